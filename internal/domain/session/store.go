package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/shared/utils"
)

var (
	// ErrNotFound is returned when no session is stored under a name.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidName is returned for names that cannot be stored.
	ErrInvalidName = errors.New("invalid session name")
	// ErrCorrupt is returned when stored data cannot be decoded.
	ErrCorrupt = errors.New("corrupt session data")
)

// Store persists sessions by name.
type Store interface {
	Save(ctx context.Context, name string, p *Persisted) error
	Load(ctx context.Context, name string) (*Persisted, error)
	// List returns stored sessions sorted by name.
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, name string) error
	// Clear deletes every stored session and returns how many there were.
	Clear(ctx context.Context) (int, error)
	Exists(ctx context.Context, name string) (bool, error)
	Close() error
}

// Store kinds accepted by NewStore.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// NewStore opens a store of the given kind. location is a directory for
// the file store and a database path for SQLite.
func NewStore(kind, location string, logger *zap.Logger) (Store, error) {
	switch kind {
	case KindFile:
		return NewFileStore(location, logger)
	case KindSQLite:
		return OpenSQLite(location)
	default:
		return nil, fmt.Errorf("unknown session store %q", kind)
	}
}

func validateName(name string) error {
	if err := utils.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return nil
}
