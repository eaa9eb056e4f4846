package sandbox

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/broker"
	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/engine"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/secrets"
)

// Sandbox is an immutable execution configuration. It is safe for
// concurrent use; each session owns its own engine instance.
type Sandbox struct {
	image       *engine.Image
	registry    *callback.Registry
	limits      policy.ResourceLimits
	secrets     *secrets.Table
	env         map[string]string
	network     *policy.NetConfig
	preamble    string
	trace       broker.TraceHandler
	output      broker.OutputHandler
	scrubStdout bool
	scrubStderr bool
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	cache       engine.ProgramCache
}

// Execute runs code in a fresh single-use session.
func (s *Sandbox) Execute(ctx context.Context, code string) (*ExecuteResult, error) {
	sess, err := s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Execute(ctx, code)
}

// Callbacks describes the registered callbacks in registration order.
func (s *Sandbox) Callbacks() []callback.Descriptor {
	return s.registry.Descriptors()
}

// Limits returns the resource limits.
func (s *Sandbox) Limits() policy.ResourceLimits {
	return s.limits
}

// Image returns the guest runtime image.
func (s *Sandbox) Image() *engine.Image {
	return s.image
}

// Preamble returns the code run before the first execution of a session.
func (s *Sandbox) Preamble() string {
	return s.preamble
}

// Secrets returns the registered secrets without their values.
func (s *Sandbox) Secrets() []secrets.Secret {
	return s.secrets.Secrets()
}

// Network returns the network policy, or ErrNetworkDisabled.
func (s *Sandbox) Network() (policy.NetConfig, error) {
	if s.network == nil {
		return policy.NetConfig{}, ErrNetworkDisabled
	}
	return *s.network, nil
}

// Scrub removes secret placeholders and values from text.
func (s *Sandbox) Scrub(text string) string {
	return s.secrets.Scrub(text)
}

func (s *Sandbox) newInstance() (*engine.Instance, error) {
	inst, err := engine.New(s.image, engine.Config{
		Callbacks:      s.registry.Descriptors(),
		Env:            maps.Clone(s.env),
		Network:        s.network != nil,
		MaxMemoryBytes: s.limits.MaxMemoryBytes,
		Cache:          s.cache,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	return inst, nil
}
