package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/idna"
)

var (
	// ErrHostBlocked is returned when a host matches a blocked pattern.
	ErrHostBlocked = errors.New("host is blocked")
	// ErrHostNotAllowed is returned when an allow list exists and the host matches none of it.
	ErrHostNotAllowed = errors.New("host is not in the allowed list")
)

var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`[`, `\[`,
	`]`, `\]`,
	`{`, `\{`,
	`}`, `\}`,
	`?`, `\?`,
)

// NormalizeHost lowercases a host, strips IPv6 brackets and a trailing dot,
// and converts internationalized names to their ASCII form.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(h); err == nil && ascii != "" {
		h = ascii
	}
	return strings.ToLower(h)
}

// MatchHost reports whether host matches pattern. Patterns without '*' are
// compared exactly; otherwise '*' matches any run of characters, dots included.
func MatchHost(pattern, host string) bool {
	p := NormalizeHost(pattern)
	h := NormalizeHost(host)
	if p == "" || h == "" {
		return false
	}
	if !strings.Contains(p, "*") {
		return p == h
	}

	ok, err := doublestar.Match(globEscaper.Replace(p), h)
	return err == nil && ok
}

// MatchAny reports whether host matches any of patterns.
func MatchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if MatchHost(p, host) {
			return true
		}
	}
	return false
}

// HostPolicy evaluates blocked patterns first, then a non-empty allow list.
type HostPolicy struct {
	Allowed []string
	Blocked []string
}

// Check returns nil if host may be contacted.
func (p HostPolicy) Check(host string) error {
	for _, pattern := range p.Blocked {
		if MatchHost(pattern, host) {
			return fmt.Errorf("%w: %s (matches %q)", ErrHostBlocked, host, pattern)
		}
	}
	if len(p.Allowed) > 0 && !MatchAny(p.Allowed, host) {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return nil
}
