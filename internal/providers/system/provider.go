package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/callback"
)

// MaxSleep caps a single system.sleep call.
const MaxSleep = time.Minute

// Provider exposes the host clock and log to guest code.
type Provider struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewProvider creates a system provider. Guest log lines are written to
// logger.
func NewProvider(logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{logger: logger.Named("guest"), now: time.Now}
}

// SleepArgs are the arguments of system.sleep.
type SleepArgs struct {
	Ms int64 `json:"ms" jsonschema:"required,minimum=0" jsonschema_description:"Milliseconds to sleep"`
}

// LogArgs are the arguments of system.log.
type LogArgs struct {
	Message string         `json:"message" jsonschema:"required"`
	Level   string         `json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// TimeResult is returned by system.time.
type TimeResult struct {
	Timestamp int64  `json:"timestamp"`
	UnixMs    int64  `json:"unix_ms"`
	ISO       string `json:"iso"`
}

// Callbacks returns system.time, system.sleep and system.log.
func (p *Provider) Callbacks() []callback.Callback {
	return []callback.Callback{
		callback.Func("system.time", "Get the current host time", p.currentTime),
		callback.Func("system.sleep", "Wait for a number of milliseconds without blocking other callbacks", p.sleep),
		callback.Func("system.log", "Write a message to the host log", p.log),
	}
}

func (p *Provider) currentTime(context.Context, struct{}) (any, error) {
	now := p.now()
	return TimeResult{
		Timestamp: now.Unix(),
		UnixMs:    now.UnixMilli(),
		ISO:       now.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (p *Provider) sleep(ctx context.Context, args SleepArgs) (any, error) {
	d := time.Duration(args.Ms) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return nil, callback.InvalidArguments("ms must be between 0 and %d", MaxSleep.Milliseconds())
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]int64{"slept_ms": args.Ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) log(_ context.Context, args LogArgs) (any, error) {
	if args.Message == "" {
		return nil, callback.InvalidArguments("message required")
	}
	fields := make([]zap.Field, 0, len(args.Fields))
	for k, v := range args.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch args.Level {
	case "", "info":
		p.logger.Info(args.Message, fields...)
	case "debug":
		p.logger.Debug(args.Message, fields...)
	case "warn":
		p.logger.Warn(args.Message, fields...)
	case "error":
		p.logger.Error(args.Message, fields...)
	default:
		return nil, callback.InvalidArguments("unknown level %q", args.Level)
	}
	return map[string]bool{"logged": true}, nil
}
