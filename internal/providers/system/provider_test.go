package system

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/enclave/internal/callback"
)

func call(ctx context.Context, t *testing.T, p *Provider, name string, args any) (any, error) {
	t.Helper()
	raw, err := sonic.Marshal(args)
	require.NoError(t, err)
	for _, cb := range p.Callbacks() {
		if cb.Name() == name {
			return cb.Invoke(ctx, json.RawMessage(raw))
		}
	}
	t.Fatalf("callback %s not registered", name)
	return nil, nil
}

func TestTime(t *testing.T) {
	p := NewProvider(nil)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	out, err := call(context.Background(), t, p, "system.time", nil)
	require.NoError(t, err)
	assert.Equal(t, TimeResult{
		Timestamp: fixed.Unix(),
		UnixMs:    fixed.UnixMilli(),
		ISO:       "2024-03-01T12:00:00Z",
	}, out)
}

func TestSleep(t *testing.T) {
	p := NewProvider(nil)

	out, err := call(context.Background(), t, p, "system.sleep", SleepArgs{Ms: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"slept_ms": 1}, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call(ctx, t, p, "system.sleep", SleepArgs{Ms: 10_000})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = call(context.Background(), t, p, "system.sleep", SleepArgs{Ms: -1})
	assert.ErrorIs(t, err, callback.ErrInvalidArguments)
	_, err = call(context.Background(), t, p, "system.sleep", SleepArgs{Ms: MaxSleep.Milliseconds() + 1})
	assert.ErrorIs(t, err, callback.ErrInvalidArguments)
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := NewProvider(zap.New(core))

	_, err := call(context.Background(), t, p, "system.log", LogArgs{
		Message: "hello",
		Level:   "warn",
		Fields:  map[string]any{"n": 1},
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "guest", entries[0].LoggerName)
	assert.Contains(t, entries[0].ContextMap(), "n")

	tests := []struct {
		name string
		args LogArgs
	}{
		{name: "empty message", args: LogArgs{}},
		{name: "unknown level", args: LogArgs{Message: "x", Level: "fatal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(context.Background(), t, p, "system.log", tt.args)
			assert.ErrorIs(t, err, callback.ErrInvalidArguments)
		})
	}
}
