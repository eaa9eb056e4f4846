package engine

import (
	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 64

// Script is compiled guest or image code. Compiled programs are not bound
// to a runtime and may be shared between instances.
type Script struct {
	Program *goja.Program
	// Offset is the number of lines added in front of the code when it was
	// wrapped for top-level await.
	Offset int
	// Lexical lists the top-level let, const and class names the code
	// binds in the global lexical scope.
	Lexical []string
}

// ProgramCache stores compiled scripts keyed by content hash.
type ProgramCache interface {
	Get(key string) (*Script, bool)
	Add(key string, s *Script)
}

// MemoryCache is an in-process LRU ProgramCache. It is safe for concurrent
// use.
type MemoryCache struct {
	lru *lru.Cache[string, *Script]
}

// NewMemoryCache creates a cache holding at most size scripts.
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, *Script](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &MemoryCache{lru: c}
}

func (c *MemoryCache) Get(key string) (*Script, bool) {
	return c.lru.Get(key)
}

func (c *MemoryCache) Add(key string, s *Script) {
	c.lru.Add(key, s)
}

// Len returns the number of cached scripts.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

var defaultCache = NewMemoryCache(128)

// DefaultCache returns the process-wide program cache.
func DefaultCache() *MemoryCache {
	return defaultCache
}
