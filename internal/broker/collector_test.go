package broker

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/secrets"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

func collect(t *testing.T, c *Collector, traces []types.TraceRequest, chunks []types.OutputChunk) Collected {
	t.Helper()
	traceCh := make(chan types.TraceRequest, len(traces))
	outputCh := make(chan types.OutputChunk, len(chunks))
	for _, tr := range traces {
		traceCh <- tr
	}
	for _, ch := range chunks {
		outputCh <- ch
	}
	close(traceCh)
	close(outputCh)
	got, err := c.Run(traceCh, outputCh)
	require.NoError(t, err)
	return got
}

func TestCollectorParsesTraceEvents(t *testing.T) {
	c := NewCollector(CollectorConfig{})

	got := collect(t, c, []types.TraceRequest{
		{Lineno: 3, EventJSON: `{"type":"line"}`},
		{Lineno: 4, EventJSON: `{"type":"call","function":"main"}`},
		{Lineno: 5, EventJSON: `{"type":"callback_end","name":"fetch","duration_ms":12}`, Context: `{"attempt":1}`},
		{Lineno: 6, EventJSON: `{"type":"exception","message":"boom"}`, Context: `not json`},
		{Lineno: 7, EventJSON: `{"type":"teleport"}`},
		{Lineno: 8, EventJSON: `{broken`},
	}, nil)

	require.Len(t, got.Trace, 4)
	assert.Equal(t, types.TraceEvent{Lineno: 3, Kind: types.TraceLine}, got.Trace[0])
	assert.Equal(t, "main", got.Trace[1].Function)
	assert.Equal(t, types.TraceCallbackEnd, got.Trace[2].Kind)
	assert.Equal(t, uint64(12), got.Trace[2].DurationMs)
	assert.Equal(t, map[string]any{"attempt": float64(1)}, got.Trace[2].Context)
	assert.Equal(t, "not json", got.Trace[3].Context)
}

func TestCollectorScrubsTraceEvents(t *testing.T) {
	table, err := secrets.NewTable(secrets.Spec{Name: "K", Value: "hunter2"})
	require.NoError(t, err)
	p := table.Env()["K"]

	c := NewCollector(CollectorConfig{Secrets: table})
	got := collect(t, c, []types.TraceRequest{
		{EventJSON: `{"type":"exception","message":"bad key ` + p + `"}`, Context: `{"key":"` + p + `"}`},
		{EventJSON: `{"type":"call","function":"hunter2"}`},
	}, nil)

	require.Len(t, got.Trace, 2)
	assert.Equal(t, "bad key [REDACTED]", got.Trace[0].Message)
	assert.Equal(t, map[string]any{"key": "[REDACTED]"}, got.Trace[0].Context)
	assert.Equal(t, "[REDACTED]", got.Trace[1].Function)
}

func TestCollectorOutput(t *testing.T) {
	table, err := secrets.NewTable(secrets.Spec{Name: "K", Value: "hunter2"})
	require.NoError(t, err)
	p := table.Env()["K"]
	half := len(p) / 2

	var (
		mu     sync.Mutex
		chunks []types.OutputChunk
	)
	c := NewCollector(CollectorConfig{
		Secrets:     table,
		ScrubStdout: true,
		ScrubStderr: false,
		OutputHandler: OutputHandlerFunc(func(chunk types.OutputChunk) {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, chunk)
		}),
	})

	got := collect(t, c, nil, []types.OutputChunk{
		{Stream: types.Stdout, Data: "key=" + p + "\n"},
		{Stream: types.Stdout, Data: "split=" + p[:half]},
		{Stream: types.Stdout, Data: p[half:] + "\n"},
		{Stream: types.Stderr, Data: "raw " + p + "\n"},
	})

	assert.Equal(t, "key=[REDACTED]\nsplit=[REDACTED]\n", got.Stdout)
	assert.Equal(t, "raw "+p+"\n", got.Stderr, "stderr scrubbing disabled")

	require.Len(t, chunks, 4)
	assert.Equal(t, "key=[REDACTED]\n", chunks[0].Data)
	assert.Equal(t, "split=", chunks[1].Data, "partial placeholder held back")
	assert.Equal(t, "[REDACTED]\n", chunks[2].Data)
	assert.Equal(t, types.Stderr, chunks[3].Stream)
	assert.Equal(t, "raw "+p+"\n", chunks[3].Data)
}

func TestCollectorLiveOutputNeverLeaksSplitSecret(t *testing.T) {
	table, err := secrets.NewTable(secrets.Spec{Name: "K", Value: "hunter2"})
	require.NoError(t, err)
	p := table.Env()["K"]

	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"placeholder in thirds", []string{"a" + p[:5], p[5:20], p[20:] + "b"}, "a[REDACTED]b"},
		{"value split", []string{"pw=hun", "ter2!"}, "pw=[REDACTED]!"},
		{"false start flushed", []string{"see ENCLAVE_"}, "see ENCLAVE_"},
		{"byte at a time", strings.Split("x"+p+"y", ""), "x[REDACTED]y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var live strings.Builder
			c := NewCollector(CollectorConfig{
				Secrets:     table,
				ScrubStdout: true,
				OutputHandler: OutputHandlerFunc(func(chunk types.OutputChunk) {
					assert.NotContains(t, chunk.Data, p[:20])
					assert.NotContains(t, chunk.Data, "hunter")
					live.WriteString(chunk.Data)
				}),
			})
			in := make([]types.OutputChunk, 0, len(tt.chunks))
			for _, d := range tt.chunks {
				in = append(in, types.OutputChunk{Stream: types.Stdout, Data: d})
			}
			got := collect(t, c, nil, in)

			assert.Equal(t, tt.want, live.String())
			assert.Equal(t, tt.want, got.Stdout)
		})
	}
}

func TestCollectorHandlerPanic(t *testing.T) {
	calls := 0
	c := NewCollector(CollectorConfig{
		OutputHandler: OutputHandlerFunc(func(types.OutputChunk) {
			calls++
			panic("handler broke")
		}),
	})
	traceCh := make(chan types.TraceRequest)
	outputCh := make(chan types.OutputChunk, 2)
	outputCh <- types.OutputChunk{Stream: types.Stdout, Data: "one\n"}
	outputCh <- types.OutputChunk{Stream: types.Stdout, Data: "two\n"}
	close(traceCh)
	close(outputCh)

	got, err := c.Run(traceCh, outputCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler broke")
	assert.Equal(t, 1, calls, "handler disabled after panicking")
	assert.Equal(t, "one\ntwo\n", got.Stdout)
}

func TestCollectorTraceHandler(t *testing.T) {
	var seen []types.TraceKind
	c := NewCollector(CollectorConfig{
		TraceHandler: TraceHandlerFunc(func(e types.TraceEvent) { seen = append(seen, e.Kind) }),
	})
	collect(t, c, []types.TraceRequest{
		{EventJSON: `{"type":"callback_start","name":"x"}`},
		{EventJSON: `{"type":"callback_end","name":"x"}`},
	}, nil)

	assert.Equal(t, []types.TraceKind{types.TraceCallbackStart, types.TraceCallbackEnd}, seen)
}
