package sandbox

import (
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/broker"
	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/engine"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	httpprovider "github.com/GriffinCanCode/enclave/internal/providers/http"
	"github.com/GriffinCanCode/enclave/internal/secrets"
)

// Builder assembles a Sandbox. Methods record configuration; all
// validation happens in Build.
type Builder struct {
	image       *engine.Image
	callbacks   []callback.Callback
	limits      policy.ResourceLimits
	secrets     []secrets.Spec
	env         map[string]string
	network     *policy.NetConfig
	fetch       *httpprovider.FetchConfig
	preamble    string
	trace       broker.TraceHandler
	output      broker.OutputHandler
	scrubStdout bool
	scrubStderr bool
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	cache       engine.ProgramCache
}

// NewBuilder returns a builder using the embedded image, default resource
// limits and output scrubbing on both streams.
func NewBuilder() *Builder {
	return &Builder{
		image:       engine.EmbeddedImage(),
		limits:      policy.DefaultResourceLimits(),
		env:         map[string]string{},
		scrubStdout: true,
		scrubStderr: true,
	}
}

// WithImage sets the guest runtime image.
func (b *Builder) WithImage(img *engine.Image) *Builder {
	b.image = img
	return b
}

// WithCallback registers a host callback.
func (b *Builder) WithCallback(cb callback.Callback) *Builder {
	b.callbacks = append(b.callbacks, cb)
	return b
}

// WithCallbacks registers several host callbacks.
func (b *Builder) WithCallbacks(cbs ...callback.Callback) *Builder {
	b.callbacks = append(b.callbacks, cbs...)
	return b
}

// WithResourceLimits replaces the default limits.
func (b *Builder) WithResourceLimits(limits policy.ResourceLimits) *Builder {
	b.limits = limits
	return b
}

// WithSecret registers a secret. The guest sees only a placeholder under
// env[name]; the real value is substituted into outbound requests to
// allowedHosts (or to the network allow list when none are given).
func (b *Builder) WithSecret(name, value string, allowedHosts ...string) *Builder {
	b.secrets = append(b.secrets, secrets.Spec{Name: name, Value: value, AllowedHosts: allowedHosts})
	return b
}

// WithEnv exposes a plain, non-secret value to the guest under env[name].
func (b *Builder) WithEnv(name, value string) *Builder {
	b.env[name] = value
	return b
}

// WithNetwork enables raw TCP/TLS access for the guest under cfg.
func (b *Builder) WithNetwork(cfg policy.NetConfig) *Builder {
	b.network = &cfg
	return b
}

// WithFetch registers the fetch callback with cfg.
func (b *Builder) WithFetch(cfg httpprovider.FetchConfig) *Builder {
	b.fetch = &cfg
	return b
}

// WithPreamble sets code run once before the first execution of every
// session and again after each Reset.
func (b *Builder) WithPreamble(code string) *Builder {
	b.preamble = code
	return b
}

// WithTraceHandler streams trace events as they are collected.
func (b *Builder) WithTraceHandler(h broker.TraceHandler) *Builder {
	b.trace = h
	return b
}

// WithOutputHandler streams output chunks as they are written.
func (b *Builder) WithOutputHandler(h broker.OutputHandler) *Builder {
	b.output = h
	return b
}

// WithOutputScrubbing toggles secret scrubbing per output stream.
func (b *Builder) WithOutputScrubbing(stdout, stderr bool) *Builder {
	b.scrubStdout = stdout
	b.scrubStderr = stderr
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithMetrics sets the metrics sink.
func (b *Builder) WithMetrics(m *monitoring.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithProgramCache sets the compiled program cache.
func (b *Builder) WithProgramCache(c engine.ProgramCache) *Builder {
	b.cache = c
	return b
}

// Build validates the configuration and returns an immutable Sandbox.
func (b *Builder) Build() (*Sandbox, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if b.image == nil {
		return nil, fmt.Errorf("%w: no image configured", ErrInitialization)
	}

	table, err := secrets.NewTable(b.secrets...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	env := maps.Clone(b.env)
	for name, placeholder := range table.Env() {
		if _, dup := env[name]; dup {
			return nil, fmt.Errorf("%w: env var %s is also a secret", ErrInitialization, name)
		}
		env[name] = placeholder
	}

	cbs := append([]callback.Callback(nil), b.callbacks...)
	if b.fetch != nil {
		opts := []httpprovider.Option{httpprovider.WithLogger(logger), httpprovider.WithMetrics(b.metrics)}
		if b.network != nil {
			opts = append(opts, httpprovider.WithFallbackHosts(b.network.AllowedHosts))
		}
		cbs = append(cbs, httpprovider.NewFetcher(*b.fetch, table, opts...))
	}

	registry, err := callback.NewRegistry(cbs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	if err := checkCallbackNames(b.image, registry.Names()); err != nil {
		return nil, err
	}

	cache := b.cache
	if cache == nil {
		cache = engine.DefaultCache()
	}

	sb := &Sandbox{
		image:       b.image,
		registry:    registry,
		limits:      b.limits,
		secrets:     table,
		env:         env,
		preamble:    b.preamble,
		trace:       b.trace,
		output:      b.output,
		scrubStdout: b.scrubStdout,
		scrubStderr: b.scrubStderr,
		logger:      logger,
		metrics:     b.metrics,
		cache:       cache,
	}
	if b.network != nil {
		cfg := *b.network
		sb.network = &cfg
	}

	logger.Debug("Sandbox built",
		zap.String("image", b.image.Name),
		zap.Int("callbacks", registry.Len()),
		zap.Int("secrets", table.Len()),
		zap.Bool("network", sb.network != nil))
	return sb, nil
}

// checkCallbackNames rejects names whose first segment is reserved by the
// image and names that are also used as a namespace by another callback.
func checkCallbackNames(img *engine.Image, names []string) error {
	reserved, err := engine.ReservedNames(img)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	isReserved := make(map[string]struct{}, len(reserved))
	for _, n := range reserved {
		isReserved[n] = struct{}{}
	}

	namespaces := make(map[string]struct{})
	for _, name := range names {
		segs := strings.Split(name, ".")
		if _, ok := isReserved[segs[0]]; ok {
			return fmt.Errorf("%w: callback %q collides with reserved name %q", ErrInitialization, name, segs[0])
		}
		for i := 1; i < len(segs); i++ {
			namespaces[strings.Join(segs[:i], ".")] = struct{}{}
		}
	}
	for _, name := range names {
		if _, ok := namespaces[name]; ok {
			return fmt.Errorf("%w: callback %q is also used as a namespace", ErrInitialization, name)
		}
	}
	return nil
}
