package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/secrets"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// TraceHandler observes trace events as they are collected.
type TraceHandler interface {
	OnTrace(event types.TraceEvent)
}

// TraceHandlerFunc adapts a function to TraceHandler.
type TraceHandlerFunc func(event types.TraceEvent)

func (f TraceHandlerFunc) OnTrace(event types.TraceEvent) { f(event) }

// OutputHandler observes guest output as it is written.
type OutputHandler interface {
	OnOutput(chunk types.OutputChunk)
}

// OutputHandlerFunc adapts a function to OutputHandler.
type OutputHandlerFunc func(chunk types.OutputChunk)

func (f OutputHandlerFunc) OnOutput(chunk types.OutputChunk) { f(chunk) }

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Secrets       *secrets.Table
	ScrubStdout   bool
	ScrubStderr   bool
	TraceHandler  TraceHandler
	OutputHandler OutputHandler
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// Collected is everything a Collector gathered during one execution.
type Collected struct {
	Trace  []types.TraceEvent
	Stdout string
	Stderr string
}

// Collector parses and scrubs trace events and output chunks, forwards them
// to the configured handlers, and accumulates them for the result.
type Collector struct {
	cfg CollectorConfig
}

// NewCollector creates a collector for one execution.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Collector{cfg: cfg}
}

// Run consumes both channels until both are closed. Final stdout and stderr
// are scrubbed as whole strings so a secret split across chunks is still
// caught. Live chunks hold back any trailing text that could start a secret
// until the next chunk of the same stream or the end of the run.
//
// A panicking handler is disabled for the rest of the run and reported in
// the returned error; collection continues so the run is never blocked.
func (c *Collector) Run(trace <-chan types.TraceRequest, output <-chan types.OutputChunk) (Collected, error) {
	var (
		result         Collected
		stdout, stderr strings.Builder
		held           = map[types.Stream]string{}
		errs           []error
	)

	for trace != nil || output != nil {
		select {
		case req, ok := <-trace:
			if !ok {
				trace = nil
				continue
			}
			event, ok := c.parse(req)
			if !ok {
				continue
			}
			result.Trace = append(result.Trace, event)
			if c.cfg.TraceHandler != nil {
				if err := guard("trace", func() { c.cfg.TraceHandler.OnTrace(event) }); err != nil {
					c.cfg.TraceHandler = nil
					errs = append(errs, c.handlerFailed(err))
				}
			}

		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			switch chunk.Stream {
			case types.Stderr:
				stderr.WriteString(chunk.Data)
			default:
				stdout.WriteString(chunk.Data)
			}
			if c.cfg.OutputHandler != nil {
				chunk.Data, held[chunk.Stream] = c.scrubLive(chunk.Stream, held[chunk.Stream]+chunk.Data)
				errs = append(errs, c.forward(chunk))
			}
		}
	}

	for _, stream := range []types.Stream{types.Stdout, types.Stderr} {
		errs = append(errs, c.forward(types.OutputChunk{Stream: stream, Data: held[stream], At: time.Now()}))
	}

	result.Stdout = c.scrubStream(types.Stdout, stdout.String())
	result.Stderr = c.scrubStream(types.Stderr, stderr.String())
	return result, errors.Join(errs...)
}

// scrubLive scrubs data for a live handler and splits off the tail that
// could be the start of a secret.
func (c *Collector) scrubLive(stream types.Stream, data string) (emit, hold string) {
	if !c.scrubEnabled(stream) {
		return data, ""
	}
	scrubbed := c.scrubStream(stream, data)
	cut := c.cfg.Secrets.PartialTail(scrubbed)
	return scrubbed[:cut], scrubbed[cut:]
}

func (c *Collector) forward(chunk types.OutputChunk) error {
	if chunk.Data == "" || c.cfg.OutputHandler == nil {
		return nil
	}
	if err := guard("output", func() { c.cfg.OutputHandler.OnOutput(chunk) }); err != nil {
		c.cfg.OutputHandler = nil
		return c.handlerFailed(err)
	}
	return nil
}

// guard runs a handler and converts a panic into an error.
func guard(kind string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panicked: %v", kind, r)
		}
	}()
	fn()
	return nil
}

func (c *Collector) handlerFailed(err error) error {
	c.cfg.Logger.Warn("Disabling stream handler", zap.Error(err))
	return err
}

func (c *Collector) scrubEnabled(stream types.Stream) bool {
	if stream == types.Stderr {
		return c.cfg.ScrubStderr
	}
	return c.cfg.ScrubStdout
}

func (c *Collector) scrubStream(stream types.Stream, data string) string {
	if !c.scrubEnabled(stream) {
		return data
	}
	scrubbed := c.cfg.Secrets.Scrub(data)
	if scrubbed != data {
		c.cfg.Metrics.RecordRedaction(string(stream))
	}
	return scrubbed
}

type rawTraceEvent struct {
	Type       string `json:"type"`
	Function   string `json:"function"`
	Message    string `json:"message"`
	Name       string `json:"name"`
	DurationMs uint64 `json:"duration_ms"`
}

var knownKinds = map[types.TraceKind]struct{}{
	types.TraceLine:          {},
	types.TraceCall:          {},
	types.TraceReturn:        {},
	types.TraceException:     {},
	types.TraceCallbackStart: {},
	types.TraceCallbackEnd:   {},
}

// parse decodes and scrubs a raw trace event. Malformed events are dropped.
func (c *Collector) parse(req types.TraceRequest) (types.TraceEvent, bool) {
	var raw rawTraceEvent
	if err := sonic.UnmarshalString(req.EventJSON, &raw); err != nil {
		c.cfg.Logger.Debug("Dropping malformed trace event", zap.Error(err))
		return types.TraceEvent{}, false
	}
	kind := types.TraceKind(raw.Type)
	if _, ok := knownKinds[kind]; !ok {
		c.cfg.Logger.Debug("Dropping unknown trace event", zap.String("type", raw.Type))
		return types.TraceEvent{}, false
	}

	scrub := c.cfg.Secrets.Scrub
	event := types.TraceEvent{
		Lineno:     req.Lineno,
		Kind:       kind,
		Function:   scrub(raw.Function),
		Message:    scrub(raw.Message),
		Name:       scrub(raw.Name),
		DurationMs: raw.DurationMs,
	}

	if req.Context != "" {
		ctx := scrub(req.Context)
		if ctx != req.Context {
			c.cfg.Metrics.RecordRedaction("trace")
		}
		var parsed any
		if err := sonic.UnmarshalString(ctx, &parsed); err == nil {
			event.Context = parsed
		} else {
			event.Context = ctx
		}
	}
	return event, true
}
