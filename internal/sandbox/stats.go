package sandbox

import "time"

// ExecuteStats describes one execution.
type ExecuteStats struct {
	Duration            time.Duration `json:"duration"`
	CallbackInvocations uint32        `json:"callback_invocations"`
	// PeakMemoryBytes is heap growth during the run; nil when not measured.
	PeakMemoryBytes *uint64 `json:"peak_memory_bytes,omitempty"`
	// FuelConsumed is always nil: the engine does not meter instructions.
	FuelConsumed *uint64 `json:"fuel_consumed,omitempty"`
}

// SessionStats accumulates across the executions of a session.
type SessionStats struct {
	CreatedAt                time.Time     `json:"created_at"`
	LastActivity             *time.Time    `json:"last_activity,omitempty"`
	ExecutionCount           uint64        `json:"execution_count"`
	TotalExecutionTime       time.Duration `json:"total_execution_time"`
	TotalCallbackInvocations uint64        `json:"total_callback_invocations"`
	PeakMemoryBytes          uint64        `json:"peak_memory_bytes"`
}

func newSessionStats(now time.Time) SessionStats {
	return SessionStats{CreatedAt: now}
}

// Reset clears the counters but keeps CreatedAt.
func (s *SessionStats) Reset() {
	*s = SessionStats{CreatedAt: s.CreatedAt}
}

// ResetFull clears everything and restarts the clock.
func (s *SessionStats) ResetFull() {
	*s = newSessionStats(time.Now())
}

func (s *SessionStats) record(now time.Time, st ExecuteStats) {
	s.ExecutionCount++
	s.TotalExecutionTime += st.Duration
	s.TotalCallbackInvocations += uint64(st.CallbackInvocations)
	if st.PeakMemoryBytes != nil && *st.PeakMemoryBytes > s.PeakMemoryBytes {
		s.PeakMemoryBytes = *st.PeakMemoryBytes
	}
	s.LastActivity = &now
}

// AverageExecutionTime returns the mean duration per execution.
func (s SessionStats) AverageExecutionTime() time.Duration {
	if s.ExecutionCount == 0 {
		return 0
	}
	return s.TotalExecutionTime / time.Duration(s.ExecutionCount)
}
