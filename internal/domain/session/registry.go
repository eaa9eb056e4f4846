package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
)

// Registry saves sandbox sessions to a Store and loads them back into new
// sessions of the same sandbox.
type Registry struct {
	sandbox *sandbox.Sandbox
	store   Store
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// NewRegistry creates a registry. logger and metrics may be nil.
func NewRegistry(sb *sandbox.Sandbox, store Store, logger *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{sandbox: sb, store: store, logger: logger, metrics: metrics}
}

// Sandbox returns the sandbox new sessions are created from.
func (r *Registry) Sandbox() *sandbox.Sandbox {
	return r.sandbox
}

// Store returns the underlying store.
func (r *Registry) Store() Store {
	return r.store
}

// Save persists sess under name, replacing any previous state.
func (r *Registry) Save(ctx context.Context, name string, sess *sandbox.Session) error {
	if err := validateName(name); err != nil {
		return err
	}
	p, skipped, err := Capture(sess)
	if err != nil {
		return fmt.Errorf("failed to capture session %s: %w", name, err)
	}
	if err := r.store.Save(ctx, name, p); err != nil {
		return err
	}
	r.metrics.IncSessionsSaved()
	r.logger.Info("Session saved",
		zap.String("name", name),
		zap.Uint64("executions", p.Metadata.ExecutionCount),
		zap.Int("bytes", len(p.State)),
		zap.Int("skipped", len(skipped)))
	return nil
}

// Load creates a new session holding the state stored under name.
func (r *Registry) Load(ctx context.Context, name string) (*sandbox.Session, error) {
	p, err := r.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	sess, err := r.sandbox.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(sess); err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", name, err)
	}
	r.metrics.IncSessionsRestored()
	r.logger.Info("Session restored",
		zap.String("name", name),
		zap.Uint64("executions", p.Metadata.ExecutionCount))
	return sess, nil
}

// GetOrCreate loads the session stored under name, or starts a fresh one
// when nothing is stored. loaded reports which happened.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (sess *sandbox.Session, loaded bool, err error) {
	sess, err = r.Load(ctx, name)
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	sess, err = r.sandbox.NewSession(ctx)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}
