package resilience

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("failed")

func outcome(success bool) func() error {
	return func() error {
		if success {
			return nil
		}
		return errFailed
	}
}

func tripAfter(n uint32) func(Counts) bool {
	return func(c Counts) bool { return c.ConsecutiveFailures >= n }
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		requests []bool
		expected State
	}{
		{
			name:     "stays closed on successes",
			settings: Settings{Interval: time.Minute, Timeout: time.Minute},
			requests: []bool{true, true, true},
			expected: StateClosed,
		},
		{
			name:     "opens after consecutive failures",
			settings: Settings{Interval: time.Minute, Timeout: time.Minute, ReadyToTrip: tripAfter(3)},
			requests: []bool{false, false, false},
			expected: StateOpen,
		},
		{
			name:     "success resets the streak",
			settings: Settings{Interval: time.Minute, Timeout: time.Minute, ReadyToTrip: tripAfter(3)},
			requests: []bool{false, false, true, false, false},
			expected: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", tt.settings)
			for _, success := range tt.requests {
				_ = b.Do(outcome(success))
			}
			assert.Equal(t, tt.expected, b.State())
		})
	}
}

func TestBreakerCounts(t *testing.T) {
	b := New("test", Settings{Interval: time.Minute, Timeout: time.Minute})

	require.NoError(t, b.Do(outcome(true)))
	counts := b.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)

	assert.ErrorIs(t, b.Do(outcome(false)), errFailed)
	counts = b.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveSuccesses)
	assert.InDelta(t, 0.5, counts.FailureRatio(), 1e-9)
}

func TestBreakerOpenRejects(t *testing.T) {
	b := New("test", Settings{Interval: time.Minute, Timeout: time.Minute, ReadyToTrip: tripAfter(2)})
	for range 2 {
		_ = b.Do(outcome(false))
	}
	require.Equal(t, StateOpen, b.State())

	ran := false
	err := b.Do(func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
}

func TestBreakerHalfOpen(t *testing.T) {
	b := New("test", Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: tripAfter(2),
	})
	for range 2 {
		_ = b.Do(outcome(false))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	for range 2 {
		require.NoError(t, b.Do(outcome(true)))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	var transitions []string
	b := New("test", Settings{
		Interval:    time.Minute,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: tripAfter(1),
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Do(outcome(false))
	time.Sleep(30 * time.Millisecond)
	_ = b.Do(outcome(false))

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->open"}, transitions)
}

func TestBreakerIsFailure(t *testing.T) {
	b := New("test", Settings{
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: tripAfter(1),
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
	})

	err := b.Do(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().TotalSuccesses)
}

func TestCall(t *testing.T) {
	b := New("test", Settings{})
	n, err := Call(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestGroup(t *testing.T) {
	g := NewGroup("fetch", Settings{Interval: time.Minute, Timeout: time.Minute, ReadyToTrip: tripAfter(1)}, 3)

	bad := g.Get("bad.example.com")
	assert.Same(t, bad, g.Get("bad.example.com"))
	assert.Equal(t, "fetch:bad.example.com", bad.Name())

	_ = bad.Do(outcome(false))
	assert.Equal(t, StateOpen, bad.State())
	assert.Equal(t, StateClosed, g.Get("good.example.com").State())

	for i := range 5 {
		g.Get("host" + strconv.Itoa(i))
	}
	assert.LessOrEqual(t, g.Len(), 4)
	assert.Same(t, bad, g.Get("bad.example.com"), "open breakers survive pruning")
	assert.Equal(t, StateOpen, g.States()["bad.example.com"])
}
