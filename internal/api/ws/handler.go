package ws

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/enclave/internal/api/http"
	"github.com/GriffinCanCode/enclave/internal/broker"
	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/id"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
	"github.com/GriffinCanCode/enclave/internal/shared/utils"
)

// Message types.
const (
	TypeExecute = "execute"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeReady   = "ready"
	TypeOutput  = "output"
	TypeTrace   = "trace"
	TypeResult  = "result"
	TypeError   = "error"
)

const (
	writeTimeout = 10 * time.Second
	maxMessage   = utils.MaxCodeSize + 4096
)

// Handler streams executions over WebSocket: output and trace events are
// sent as they happen, followed by the result.
type Handler struct {
	manager  *session.Manager
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a stream handler. origins lists the accepted Origin
// headers; "*" or an empty list accepts any.
func NewHandler(manager *session.Manager, origins []string, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(origins),
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	metrics *monitoring.Metrics
}

func (c *conn) send(msg types.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return err
	}
	c.metrics.RecordWSMessage("out", msg.Type)
	return nil
}

func (c *conn) sendError(msg string) error {
	return c.send(types.WSMessage{Type: TypeError, Message: msg})
}

// HandleConnection upgrades the request and serves executions for the
// session named in the path until the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	sid, err := id.ParseSessionID(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, types.ErrorResponse{Kind: apihttp.KindNotFound, Message: err.Error()})
		return
	}
	if _, err := h.manager.Get(sid); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, types.ErrorResponse{Kind: apihttp.KindNotFound, Message: err.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessage)

	connID := uuid.NewString()
	logger := h.logger.With(zap.String("conn", connID), zap.String("session", sid.String()))
	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()
	logger.Info("Stream connected")

	cn := &conn{ws: ws, metrics: h.metrics}
	if err := cn.send(types.WSMessage{Type: TypeReady, Message: sid.String()}); err != nil {
		return
	}

	ctx := c.Request.Context()
	for {
		var msg types.WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Stream read failed", zap.Error(err))
			}
			break
		}
		h.metrics.RecordWSMessage("in", msg.Type)

		var sendErr error
		switch msg.Type {
		case TypeExecute:
			sendErr = h.execute(ctx, cn, sid, msg.Code)
		case TypePing:
			sendErr = cn.send(types.WSMessage{Type: TypePong})
		default:
			sendErr = cn.sendError("unknown message type: " + msg.Type)
		}
		if sendErr != nil {
			logger.Warn("Stream write failed", zap.Error(sendErr))
			break
		}
	}
	logger.Info("Stream disconnected")
}

func (h *Handler) execute(ctx context.Context, cn *conn, sid id.SessionID, code string) error {
	if err := utils.ValidateCode(code); err != nil {
		return cn.sendError(err.Error())
	}

	// Streaming writes that fail are dropped; the final send reports the
	// broken connection.
	output := broker.OutputHandlerFunc(func(chunk types.OutputChunk) {
		_ = cn.send(types.WSMessage{Type: TypeOutput, Stream: chunk.Stream, Data: chunk.Data})
	})
	trace := broker.TraceHandlerFunc(func(ev types.TraceEvent) {
		_ = cn.send(types.WSMessage{Type: TypeTrace, Event: &ev})
	})

	var resp types.ExecuteResponse
	err := h.manager.Use(sid, func(e *session.Entry) error {
		var err error
		resp, err = apihttp.ExecuteOutcome(e.Session.Execute(ctx, code,
			sandbox.WithOutputStream(output),
			sandbox.WithTraceStream(trace)))
		return err
	})
	if err != nil {
		return cn.sendError(err.Error())
	}
	return cn.send(types.WSMessage{Type: TypeResult, Result: &resp})
}
