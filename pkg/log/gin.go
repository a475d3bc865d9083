package log

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// GinMiddleware returns a Gin middleware that reuses the request logger
// installed by HTTPMiddleware when the engine is mounted behind it, or
// creates one from logger otherwise. Completed requests are logged with
// status, latency and the actor set by the auth middleware.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if _, ok := ctx.Value(ctxKey{}).(zerolog.Logger); !ok {
			reqID := c.GetHeader(headerRequestID)
			if reqID == "" {
				reqID = uuid.New().String()
			}
			child := logger.With().
				Str(FieldRequestID, reqID).
				Str(FieldMethod, c.Request.Method).
				Str(FieldPath, c.Request.URL.Path).
				Str(FieldClientIP, c.ClientIP()).
				Logger()
			c.Header(headerRequestID, reqID)
			c.Request = c.Request.WithContext(WithLogger(ctx, child))
		}

		c.Next()

		l := Ctx(c.Request.Context())
		evt := l.Debug().
			Int(FieldStatus, c.Writer.Status()).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds()))

		if userID, ok := c.Get(FieldUserID); ok {
			evt = evt.Str(FieldUserID, userID.(string))
		}
		if username, ok := c.Get(FieldUsername); ok {
			evt = evt.Str(FieldUsername, username.(string))
		}

		evt.Msg("api request completed")
	}
}
