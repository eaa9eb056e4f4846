package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/id"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
	"github.com/GriffinCanCode/enclave/internal/shared/utils"
	"github.com/GriffinCanCode/enclave/internal/snapshot"
)

// SessionResponse describes a live session.
type SessionResponse struct {
	ID       id.SessionID         `json:"id"`
	Name     string               `json:"name,omitempty"`
	Loaded   bool                 `json:"loaded"`
	Globals  []string             `json:"globals"`
	Stats    sandbox.SessionStats `json:"stats"`
	LastUsed time.Time            `json:"last_used"`
}

func describe(e *session.Entry, loaded bool) SessionResponse {
	return SessionResponse{
		ID:       e.ID,
		Name:     e.Name(),
		Loaded:   loaded,
		Globals:  e.Session.Globals(),
		Stats:    e.Session.Stats(),
		LastUsed: e.LastUsed(),
	}
}

// ExecuteOutcome converts the result of an execution to its wire form.
// Failures caused by the guest code itself are reported inside the
// response; any other error is returned.
func ExecuteOutcome(res *sandbox.ExecuteResult, err error) (types.ExecuteResponse, error) {
	if err == nil {
		return types.ExecuteResponse{
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Trace:  res.Trace,
			Stats: types.ExecuteStatsResponse{
				DurationMs:          res.Stats.Duration.Milliseconds(),
				CallbackInvocations: res.Stats.CallbackInvocations,
				PeakMemoryBytes:     res.Stats.PeakMemoryBytes,
				FuelConsumed:        res.Stats.FuelConsumed,
			},
		}, nil
	}

	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) || errors.Is(err, sandbox.ErrTimeout) || errors.Is(err, sandbox.ErrMemoryLimit) {
		_, body := classify(err)
		resp := types.ExecuteResponse{Trace: []types.TraceEvent{}, Error: &body}
		if execErr != nil {
			resp.Stdout, resp.Stderr = execErr.Stdout, execErr.Stderr
		}
		return resp, nil
	}
	return types.ExecuteResponse{}, err
}

func (h *Handlers) sessionID(c *gin.Context) (id.SessionID, bool) {
	sid, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	return sid, true
}

// CreateSession starts a live session, loading stored state when a name
// is given.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req types.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request: "+err.Error())
			return
		}
	}

	span := h.span(c, "session.create")
	var (
		entry  *session.Entry
		err    error
		loaded bool
	)
	if req.Name == "" {
		entry, err = h.manager.Create(c.Request.Context())
	} else {
		entry, err = h.manager.Open(c.Request.Context(), req.Name)
		loaded = err == nil
	}
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("Session created",
		zap.String("id", entry.ID.String()),
		zap.String("name", req.Name))
	c.JSON(http.StatusCreated, describe(entry, loaded))
}

// ListSessions describes the live sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	list := h.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": list,
		"count":    len(list),
	})
}

// GetSession describes one live session.
func (h *Handlers) GetSession(c *gin.Context) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	err := h.manager.Use(sid, func(e *session.Entry) error {
		c.JSON(http.StatusOK, describe(e, false))
		return nil
	})
	if err != nil {
		h.fail(c, err)
	}
}

// DeleteSession drops a live session.
func (h *Handlers) DeleteSession(c *gin.Context) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.manager.Delete(sid); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Execute runs code in a live session.
func (h *Handlers) Execute(c *gin.Context) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req types.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if err := utils.ValidateCode(req.Code); err != nil {
		badRequest(c, err.Error())
		return
	}

	span := h.span(c, "session.execute")
	var resp types.ExecuteResponse
	err := h.manager.Use(sid, func(e *session.Entry) error {
		var err error
		resp, err = ExecuteOutcome(e.Session.Execute(c.Request.Context(), req.Code))
		return err
	})
	span.SetInt("guest.callbacks", int64(resp.Stats.CallbackInvocations))
	if resp.Error != nil {
		span.SetTag("guest.error", resp.Error.Kind)
	}
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ResetSession discards all state and starts a fresh engine instance.
func (h *Handlers) ResetSession(c *gin.Context) {
	h.mutate(c, "session.reset", func(e *session.Entry) error {
		return e.Session.Reset(c.Request.Context())
	})
}

// ClearSession removes user globals but keeps the engine instance.
func (h *Handlers) ClearSession(c *gin.Context) {
	h.mutate(c, "session.clear", func(e *session.Entry) error {
		return e.Session.ClearState()
	})
}

func (h *Handlers) mutate(c *gin.Context, op string, fn func(*session.Entry) error) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	span := h.span(c, op)
	var resp SessionResponse
	err := h.manager.Use(sid, func(e *session.Entry) error {
		if err := fn(e); err != nil {
			return err
		}
		resp = describe(e, false)
		return nil
	})
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Snapshot returns the encoded globals of a live session. The ETag is a
// hash of the encoded state.
func (h *Handlers) Snapshot(c *gin.Context) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	span := h.span(c, "session.snapshot")
	var snap *snapshot.Snapshot
	err := h.manager.Use(sid, func(e *session.Entry) error {
		var err error
		snap, err = e.Session.SnapshotState()
		return err
	})
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}

	etag := `"` + utils.DefaultHasher().ShortHash(snap.Data) + `"`
	c.Header("ETag", etag)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	payload := types.SnapshotPayload{
		Data:           snap.Data,
		TimestampMs:    snap.Metadata.TimestampMs,
		ExecutionCount: snap.Metadata.ExecutionCount,
	}
	for _, sk := range snap.Skipped {
		payload.Skipped = append(payload.Skipped, sk.Name)
	}
	c.JSON(http.StatusOK, payload)
}

// Restore replaces the globals of a live session with a snapshot.
func (h *Handlers) Restore(c *gin.Context) {
	var payload types.SnapshotPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(payload.Data) == 0 {
		badRequest(c, "snapshot data is required")
		return
	}
	h.mutate(c, "session.restore", func(e *session.Entry) error {
		return e.Session.RestoreState(&snapshot.Snapshot{
			Data: payload.Data,
			Metadata: snapshot.Metadata{
				TimestampMs:    payload.TimestampMs,
				ExecutionCount: payload.ExecutionCount,
			},
		})
	})
}

// SaveSession persists a live session under a name.
func (h *Handlers) SaveSession(c *gin.Context) {
	sid, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req types.SaveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	span := h.span(c, "session.save")
	err := h.manager.Save(c.Request.Context(), sid, req.Name)
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sid, "name": req.Name})
}
