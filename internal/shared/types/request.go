package types

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	Code string `json:"code" binding:"required"`
}

// ExecuteStatsResponse reports per-execution statistics.
type ExecuteStatsResponse struct {
	DurationMs          int64   `json:"duration_ms"`
	CallbackInvocations uint32  `json:"callback_invocations"`
	PeakMemoryBytes     *uint64 `json:"peak_memory_bytes,omitempty"`
	FuelConsumed        *uint64 `json:"fuel_consumed,omitempty"`
}

// ExecuteResponse is the result of an execute call.
type ExecuteResponse struct {
	Stdout string               `json:"stdout"`
	Stderr string               `json:"stderr"`
	Trace  []TraceEvent         `json:"trace"`
	Stats  ExecuteStatsResponse `json:"stats"`
	Error  *ErrorResponse       `json:"error,omitempty"`
}

// ErrorResponse describes a failed operation.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// CreateSessionRequest creates a live session, optionally from a stored one.
type CreateSessionRequest struct {
	Name string `json:"name,omitempty"`
}

// SaveSessionRequest persists a live session under a name.
type SaveSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// SnapshotPayload carries encoded interpreter state.
type SnapshotPayload struct {
	Data           []byte   `json:"data"`
	TimestampMs    int64    `json:"timestamp_ms"`
	ExecutionCount uint64   `json:"execution_count"`
	Skipped        []string `json:"skipped,omitempty"`
}

// WSMessage is a WebSocket frame exchanged on the stream endpoint.
type WSMessage struct {
	Type    string           `json:"type"`
	Code    string           `json:"code,omitempty"`
	Stream  Stream           `json:"stream,omitempty"`
	Data    string           `json:"data,omitempty"`
	Event   *TraceEvent      `json:"event,omitempty"`
	Result  *ExecuteResponse `json:"result,omitempty"`
	Message string           `json:"message,omitempty"`
}
