package types

import "time"

// TraceKind discriminates trace events.
type TraceKind string

const (
	TraceLine          TraceKind = "line"
	TraceCall          TraceKind = "call"
	TraceReturn        TraceKind = "return"
	TraceException     TraceKind = "exception"
	TraceCallbackStart TraceKind = "callback_start"
	TraceCallbackEnd   TraceKind = "callback_end"
)

// TraceRequest is a trace event as emitted from inside the engine, before
// parsing and scrubbing. Context is raw JSON and may be empty.
type TraceRequest struct {
	Lineno    uint32
	EventJSON string
	Context   string
}

// TraceEvent is a parsed, scrubbed trace event.
type TraceEvent struct {
	Lineno     uint32    `json:"lineno"`
	Kind       TraceKind `json:"kind"`
	Function   string    `json:"function,omitempty"`
	Message    string    `json:"message,omitempty"`
	Name       string    `json:"name,omitempty"`
	DurationMs uint64    `json:"duration_ms,omitempty"`
	Context    any       `json:"context,omitempty"`
}

// Stream identifies a guest output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputChunk is a single write to a guest output stream.
type OutputChunk struct {
	Stream Stream
	Data   string
	At     time.Time
}
