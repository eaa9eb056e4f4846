package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/secrets"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

// CallbackBroker dispatches guest callback requests concurrently.
type CallbackBroker struct {
	registry *callback.Registry
	limits   policy.ResourceLimits
	secrets  *secrets.Table
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// CallbackBrokerOption configures a CallbackBroker.
type CallbackBrokerOption func(*CallbackBroker)

// WithCallbackLogger sets the logger.
func WithCallbackLogger(l *zap.Logger) CallbackBrokerOption {
	return func(b *CallbackBroker) { b.logger = l }
}

// WithCallbackMetrics sets the metrics sink.
func WithCallbackMetrics(m *monitoring.Metrics) CallbackBrokerOption {
	return func(b *CallbackBroker) { b.metrics = m }
}

// NewCallbackBroker creates a broker for one execution.
func NewCallbackBroker(registry *callback.Registry, limits policy.ResourceLimits, table *secrets.Table, opts ...CallbackBrokerOption) *CallbackBroker {
	b := &CallbackBroker{
		registry: registry,
		limits:   limits,
		secrets:  table,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type outcome struct {
	value any
	err   error
}

// Run consumes requests until the channel is closed, waits for every
// dispatched callback to reply, and returns the number dispatched.
//
// A request is rejected without running anything, and without consuming
// budget, if the name is unknown, the arguments are not valid JSON, or the
// invocation ceiling has already been reached.
func (b *CallbackBroker) Run(ctx context.Context, requests <-chan types.CallbackRequest) uint32 {
	var (
		wg         sync.WaitGroup
		dispatched uint32
	)

	for req := range requests {
		if b.limits.CallbackBudgetExhausted(dispatched) {
			b.reject(req, callback.LimitExceeded(b.limits.MaxCallbackInvocations))
			continue
		}

		cb, ok := b.registry.Lookup(req.Name)
		if !ok {
			b.reject(req, callback.NotFound(req.Name))
			continue
		}

		args, err := parseArguments(req.ArgumentsJSON)
		if err != nil {
			b.reject(req, err)
			continue
		}

		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			req.Reply <- b.dispatch(ctx, cb, args)
		}()
	}

	wg.Wait()
	return dispatched
}

func parseArguments(raw string) (json.RawMessage, error) {
	if raw == "" {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		return nil, callback.InvalidArguments("Invalid arguments JSON: %v", err)
	}
	return json.RawMessage(raw), nil
}

func (b *CallbackBroker) reject(req types.CallbackRequest, err error) {
	reply := callback.ToReply(err)
	reply.Message = b.secrets.Scrub(reply.Message)
	b.metrics.RecordCallback(req.Name, reply.Kind, 0)
	b.logger.Debug("Callback rejected",
		zap.String("callback", req.Name),
		zap.String("kind", reply.Kind))
	req.Reply <- types.CallbackReply{Err: reply}
}

func (b *CallbackBroker) dispatch(ctx context.Context, cb callback.Callback, args json.RawMessage) types.CallbackReply {
	name := cb.Name()
	timer := monitoring.NewTimer(b.metrics, name)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.limits.CallbackTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.limits.CallbackTimeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: callback.Failed("callback '%s' panicked: %v", name, r)}
			}
		}()
		v, err := cb.Invoke(callCtx, args)
		done <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		// The callback goroutine is abandoned; its result is discarded.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.err = callback.Timeout(name, b.limits.CallbackTimeout)
		} else {
			res.err = callback.Failed("callback '%s' cancelled: execution ended", name)
		}
	}

	reply := b.encode(res)
	status := "success"
	if reply.Err != nil {
		status = reply.Err.Kind
	}
	elapsed := timer.Stop(status)

	b.logger.Debug("Callback completed",
		zap.String("callback", name),
		zap.String("status", status),
		zap.Duration("duration", elapsed))
	return reply
}

func (b *CallbackBroker) encode(res outcome) types.CallbackReply {
	if res.err != nil {
		reply := callback.ToReply(res.err)
		scrubbed := b.secrets.Scrub(reply.Message)
		if scrubbed != reply.Message {
			b.metrics.RecordRedaction("callback_error")
		}
		reply.Message = scrubbed
		return types.CallbackReply{Err: reply}
	}

	out, err := sonic.MarshalString(res.value)
	if err != nil {
		return types.CallbackReply{Err: callback.ToReply(callback.Failed("cannot encode callback result: %v", err))}
	}
	scrubbed := b.secrets.Scrub(out)
	if scrubbed != out {
		b.metrics.RecordRedaction("callback_result")
	}
	return types.CallbackReply{Value: scrubbed}
}
