package session

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/snapshot"
)

// Metadata describes a persisted session.
type Metadata struct {
	ExecutionCount uint64 `json:"execution_count"`
	EngineVersion  string `json:"engine_version"`
}

// Persisted is the stored form of a session.
type Persisted struct {
	State      []byte    `json:"state"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Info summarizes a stored session without its state.
type Info struct {
	Name           string    `json:"name"`
	ExecutionCount uint64    `json:"execution_count"`
	EngineVersion  string    `json:"engine_version"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	SizeBytes      int64     `json:"size_bytes"`
}

// Capture snapshots sess into its persisted form. Globals that could not
// be captured are returned alongside.
func Capture(sess *sandbox.Session) (*Persisted, []snapshot.Skipped, error) {
	snap, err := sess.SnapshotState()
	if err != nil {
		return nil, nil, err
	}
	stats := sess.Stats()
	last := stats.CreatedAt
	if stats.LastActivity != nil {
		last = *stats.LastActivity
	}
	return &Persisted{
		State: snap.Data,
		Metadata: Metadata{
			ExecutionCount: stats.ExecutionCount,
			EngineVersion:  sandbox.Version,
		},
		CreatedAt:  stats.CreatedAt,
		LastActive: last,
	}, snap.Skipped, nil
}

// Apply restores p into sess and carries over its bookkeeping.
func (p *Persisted) Apply(sess *sandbox.Session) error {
	if err := sandbox.CompatibleVersion(p.Metadata.EngineVersion); err != nil {
		return err
	}
	snap := &snapshot.Snapshot{
		Data: p.State,
		Metadata: snapshot.Metadata{
			TimestampMs:    p.LastActive.UnixMilli(),
			ExecutionCount: p.Metadata.ExecutionCount,
		},
	}
	if err := sess.RestoreState(snap); err != nil {
		return err
	}
	sess.Adopt(p.Metadata.ExecutionCount, p.CreatedAt)
	return nil
}

// Info summarizes p under name.
func (p *Persisted) Info(name string) Info {
	return Info{
		Name:           name,
		ExecutionCount: p.Metadata.ExecutionCount,
		EngineVersion:  p.Metadata.EngineVersion,
		CreatedAt:      p.CreatedAt,
		LastActive:     p.LastActive,
		SizeBytes:      int64(len(p.State)),
	}
}

// Marshal encodes p as JSON.
func (p *Persisted) Marshal() ([]byte, error) {
	return sonic.Marshal(p)
}

// Unmarshal decodes a persisted session.
func Unmarshal(data []byte) (*Persisted, error) {
	var p Persisted
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(p.State) == 0 {
		return nil, fmt.Errorf("%w: missing state", ErrCorrupt)
	}
	return &p, nil
}
