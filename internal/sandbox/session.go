package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/enclave/internal/broker"
	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/engine"
	"github.com/GriffinCanCode/enclave/internal/netconn"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
	"github.com/GriffinCanCode/enclave/internal/snapshot"
)

const (
	callbackQueue = 64
	netQueue      = 64
	streamQueue   = 1024
)

// ExecuteResult is the outcome of a successful execution.
type ExecuteResult struct {
	Stdout string             `json:"stdout"`
	Stderr string             `json:"stderr"`
	Trace  []types.TraceEvent `json:"trace"`
	Stats  ExecuteStats       `json:"stats"`
}

// ExecOption adjusts a single execution.
type ExecOption func(*execOptions)

type execOptions struct {
	trace  broker.TraceHandler
	output broker.OutputHandler
}

// WithTraceStream receives this execution's trace events in addition to
// the sandbox handler.
func WithTraceStream(h broker.TraceHandler) ExecOption {
	return func(o *execOptions) { o.trace = h }
}

// WithOutputStream receives this execution's output chunks in addition to
// the sandbox handler.
func WithOutputStream(h broker.OutputHandler) ExecOption {
	return func(o *execOptions) { o.output = h }
}

// Session is a live engine instance whose state persists across executions.
// Calls are serialised; at most one execution runs at a time.
type Session struct {
	sandbox *Sandbox
	logger  *zap.Logger

	mu           sync.Mutex
	instance     *engine.Instance
	preambleDone bool
	stats        SessionStats
}

// NewSession creates a session with a fresh engine instance.
func (s *Sandbox) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	inst, err := s.newInstance()
	if err != nil {
		return nil, err
	}
	return &Session{
		sandbox:  s,
		logger:   s.logger,
		instance: inst,
		stats:    newSessionStats(time.Now()),
	}, nil
}

// Sandbox returns the configuration the session was created from.
func (s *Session) Sandbox() *Sandbox {
	return s.sandbox
}

// Execute runs code in the session. On the first execution after creation
// or Reset the sandbox preamble runs first, within the same time budget.
func (s *Session) Execute(ctx context.Context, code string, opts ...ExecOption) (*ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}

	limits := s.sandbox.limits
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.ExecutionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.ExecutionTimeout)
	}
	defer cancel()

	callbacks := make(chan types.CallbackRequest, callbackQueue)
	trace := make(chan types.TraceRequest, streamQueue)
	output := make(chan types.OutputChunk, streamQueue)
	host := engine.Host{Callbacks: callbacks, Trace: trace, Output: output}

	// Brokers outlive the run so callbacks still in flight when it ends can
	// drain. They stop with the caller's context, not the execution deadline.
	brokerCtx, stopBrokers := context.WithCancel(ctx)
	defer stopBrokers()

	var (
		g          errgroup.Group
		dispatched uint32
		collected  broker.Collected
	)

	cb := broker.NewCallbackBroker(s.sandbox.registry, limits, s.sandbox.secrets,
		broker.WithCallbackLogger(s.logger),
		broker.WithCallbackMetrics(s.sandbox.metrics))
	g.Go(func() error {
		dispatched = cb.Run(brokerCtx, callbacks)
		return nil
	})

	var netRequests chan types.NetRequest
	if s.sandbox.network != nil {
		netRequests = make(chan types.NetRequest, netQueue)
		host.Net = netRequests
		conns := netconn.NewManager(*s.sandbox.network, s.sandbox.secrets,
			netconn.WithLogger(s.logger),
			netconn.WithMetrics(s.sandbox.metrics))
		nb := broker.NewNetworkBroker(conns, s.logger, s.sandbox.metrics)
		g.Go(func() error {
			nb.Run(brokerCtx, netRequests)
			return nil
		})
	}

	collector := broker.NewCollector(broker.CollectorConfig{
		Secrets:       s.sandbox.secrets,
		ScrubStdout:   s.sandbox.scrubStdout,
		ScrubStderr:   s.sandbox.scrubStderr,
		TraceHandler:  joinTrace(s.sandbox.trace, o.trace),
		OutputHandler: joinOutput(s.sandbox.output, o.output),
		Logger:        s.logger,
		Metrics:       s.sandbox.metrics,
	})
	g.Go(func() error {
		var err error
		collected, err = collector.Run(trace, output)
		return err
	})

	start := time.Now()
	peak, runErr := s.runPreamble(runCtx, host)
	if runErr == nil {
		var res *engine.Result
		res, runErr = s.instance.Run(runCtx, code, host)
		peak = maxPeak(peak, res.PeakMemoryBytes)
	}
	duration := time.Since(start)

	// Closing the request channels lets the brokers finish accepted work.
	if d := drainTimeout(limits); d > 0 {
		t := time.AfterFunc(d, stopBrokers)
		defer t.Stop()
	}
	close(callbacks)
	close(trace)
	close(output)
	if netRequests != nil {
		close(netRequests)
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("Execution stream handler failed", zap.Error(err))
	}
	stopBrokers()

	stats := ExecuteStats{
		Duration:            duration,
		CallbackInvocations: dispatched,
		PeakMemoryBytes:     peak,
	}
	s.stats.record(time.Now(), stats)

	err := s.classify(runErr, collected, limits.ExecutionTimeout)
	status := "success"
	if err != nil {
		status = errorStatus(err)
	}
	s.sandbox.metrics.RecordExecution(status, duration, dispatched, peak)
	s.logger.Debug("Execution finished",
		zap.String("status", status),
		zap.Duration("duration", duration),
		zap.Uint32("callbacks", dispatched))

	if err != nil {
		return nil, err
	}
	return &ExecuteResult{
		Stdout: collected.Stdout,
		Stderr: collected.Stderr,
		Trace:  collected.Trace,
		Stats:  stats,
	}, nil
}

func (s *Session) runPreamble(ctx context.Context, host engine.Host) (*uint64, error) {
	if s.preambleDone || s.sandbox.preamble == "" {
		return new(uint64), nil
	}
	res, err := s.instance.Run(ctx, s.sandbox.preamble, host)
	if err != nil {
		return res.PeakMemoryBytes, fmt.Errorf("preamble: %w", err)
	}
	s.preambleDone = true
	return res.PeakMemoryBytes, nil
}

// drainTimeout bounds how long accepted callbacks may run after the code
// finishes. Zero means no bound beyond the caller's context.
func drainTimeout(limits policy.ResourceLimits) time.Duration {
	if limits.CallbackTimeout > 0 {
		return limits.CallbackTimeout
	}
	return limits.ExecutionTimeout
}

// maxPeak combines the peaks of the preamble and the code run. The result
// is nil when either was not measured.
func maxPeak(a, b *uint64) *uint64 {
	if a == nil || b == nil {
		return nil
	}
	m := max(*a, *b)
	return &m
}

// classify maps engine errors onto the sandbox error kinds. Messages are
// scrubbed because guest exceptions may quote secret placeholders.
func (s *Session) classify(err error, collected broker.Collected, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	var guestErr *engine.GuestError
	switch {
	case errors.As(err, &guestErr):
		return &ExecutionError{
			Message: s.sandbox.secrets.Scrub(guestErr.Message),
			Line:    guestErr.Line,
			Stdout:  collected.Stdout,
			Stderr:  collected.Stderr,
		}
	case errors.Is(err, engine.ErrTimeout):
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case errors.Is(err, engine.ErrMemoryLimit):
		return fmt.Errorf("%w: limit %d bytes", ErrMemoryLimit, s.sandbox.limits.MaxMemoryBytes)
	case errors.Is(err, engine.ErrCancelled):
		return err
	default:
		return fmt.Errorf("%w: %s", ErrEngine, s.sandbox.secrets.Scrub(err.Error()))
	}
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, ErrExecutionFailed):
		return "error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMemoryLimit):
		return "memory_limit"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "engine_error"
	}
}

// Reset discards the engine instance and starts over: globals, preamble and
// statistics are all reset.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	inst, err := s.sandbox.newInstance()
	if err != nil {
		return err
	}
	s.instance = inst
	s.preambleDone = false
	s.stats.ResetFull()
	return nil
}

// ClearState drops all user globals but keeps statistics and the preamble
// state.
func (s *Session) ClearState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.instance.Clear(); err != nil {
		return fmt.Errorf("%w: %w", ErrEngine, err)
	}
	return nil
}

// SnapshotState captures the serializable user globals. Globals that cannot
// be captured are listed in the snapshot's Skipped field.
func (s *Session) SnapshotState() (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bindings, skipped := s.instance.Capture()
	for _, sk := range skipped {
		s.logger.Warn("Global not captured in snapshot",
			zap.String("name", sk.Name),
			zap.String("reason", sk.Reason))
	}

	data, err := snapshot.Encode(bindings)
	if err != nil {
		s.sandbox.metrics.RecordSnapshot("capture", "error", 0)
		return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	s.sandbox.metrics.RecordSnapshot("capture", "success", len(data))
	return &snapshot.Snapshot{
		Data: data,
		Metadata: snapshot.Metadata{
			TimestampMs:    time.Now().UnixMilli(),
			ExecutionCount: s.stats.ExecutionCount,
		},
		Skipped: skipped,
	}, nil
}

// RestoreState replaces all user globals with the contents of snap.
func (s *Session) RestoreState(snap *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrSnapshot)
	}
	bindings, err := snapshot.Decode(snap.Data)
	if err != nil {
		s.sandbox.metrics.RecordSnapshot("restore", "error", len(snap.Data))
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	if err := s.instance.Restore(bindings); err != nil {
		s.sandbox.metrics.RecordSnapshot("restore", "error", len(snap.Data))
		return fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	s.sandbox.metrics.RecordSnapshot("restore", "success", len(snap.Data))
	return nil
}

// Adopt carries over bookkeeping from a persisted session: the execution
// count and creation time. The preamble is treated as already run.
func (s *Session) Adopt(executionCount uint64, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.ExecutionCount = executionCount
	if !createdAt.IsZero() {
		s.stats.CreatedAt = createdAt
	}
	s.preambleDone = true
}

// Stats returns a copy of the session statistics.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ExecutionCount returns the number of executions so far.
func (s *Session) ExecutionCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.ExecutionCount
}

// IdleDuration returns the time since the last execution, or since creation.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.stats.CreatedAt
	if s.stats.LastActivity != nil {
		last = *s.stats.LastActivity
	}
	return time.Since(last)
}

// Globals returns the names of user globals currently defined.
func (s *Session) Globals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance.UserGlobals()
}

// Callbacks describes the callbacks available to the session.
func (s *Session) Callbacks() []callback.Descriptor {
	return s.sandbox.Callbacks()
}

func joinTrace(a, b broker.TraceHandler) broker.TraceHandler {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return broker.TraceHandlerFunc(func(ev types.TraceEvent) {
		a.OnTrace(ev)
		b.OnTrace(ev)
	})
}

func joinOutput(a, b broker.OutputHandler) broker.OutputHandler {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return broker.OutputHandlerFunc(func(chunk types.OutputChunk) {
		a.OnOutput(chunk)
		b.OnOutput(chunk)
	})
}
