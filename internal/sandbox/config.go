package sandbox

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/engine"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/config"
	"github.com/GriffinCanCode/enclave/internal/providers"
)

// FromConfig returns a builder populated from application configuration:
// image, limits, built-in callbacks, secrets, network, fetch, preamble and
// output scrubbing. Callers add their own callbacks, handlers and metrics
// before Build.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Builder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins, err := providers.Builtins(cfg.Callbacks.Builtins, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	b := NewBuilder().
		WithLogger(logger).
		WithCallbacks(builtins...).
		WithResourceLimits(cfg.Sandbox.Limits()).
		WithOutputScrubbing(cfg.Sandbox.ScrubStdout, cfg.Sandbox.ScrubStderr)

	if cfg.Sandbox.ImagePath != "" {
		img, err := engine.LoadImage(cfg.Sandbox.ImagePath, cfg.Sandbox.PrewarmPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		b.WithImage(img)
	}

	if path := cfg.Sandbox.PreamblePath; path != "" {
		code, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: preamble: %w", ErrInitialization, err)
		}
		b.WithPreamble(string(code))
	}

	for _, s := range cfg.Secrets {
		value, err := s.Value()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		b.WithSecret(s.Name, value, s.AllowedHosts...)
	}

	if net := cfg.Network.NetConfig(); net != nil {
		b.WithNetwork(*net)
	}
	if fetch := cfg.Fetch.FetchConfig(); fetch != nil {
		b.WithFetch(*fetch)
	}
	return b, nil
}
