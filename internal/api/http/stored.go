package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListStored describes the persisted sessions.
func (h *Handlers) ListStored(c *gin.Context) {
	infos, err := h.manager.Registry().Store().List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"count":    len(infos),
	})
}

// LoadStored opens a persisted session as a new live session.
func (h *Handlers) LoadStored(c *gin.Context) {
	name := c.Param("name")
	span := h.span(c, "stored.load")
	entry, err := h.manager.Open(c.Request.Context(), name)
	span.End(err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Stored session loaded",
		zap.String("id", entry.ID.String()),
		zap.String("name", name))
	c.JSON(http.StatusCreated, describe(entry, true))
}

// DeleteStored removes a persisted session. Live sessions opened from it
// are unaffected.
func (h *Handlers) DeleteStored(c *gin.Context) {
	if err := h.manager.Registry().Store().Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
