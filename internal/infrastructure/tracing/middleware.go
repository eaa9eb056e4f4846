package tracing

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/GriffinCanCode/enclave/internal/shared/id"
)

// HeaderRequestID carries the trace ID in requests and responses.
const HeaderRequestID = "X-Request-ID"

// HTTPMiddleware starts a span per request. A caller-supplied request ID is
// kept when it is a UUID or one of our own request IDs.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader(HeaderRequestID); acceptRequestID(incoming) {
			ctx = WithTraceID(ctx, TraceID(incoming))
		}

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+name)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, string(span.TraceID))

		c.Next()

		span.SetInt("http.status", int64(c.Writer.Status()))
		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		span.End(err)
	}
}

func acceptRequestID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	rest, ok := strings.CutPrefix(s, id.RequestPrefix+"_")
	return ok && id.IsValid(rest)
}
