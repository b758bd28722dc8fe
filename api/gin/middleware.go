package slinkgin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const userIDKey = "slink-user-id"

// RequireSession aborts with 401 unless the session boundary knows the user.
// The user id is stored on the context for the handler.
func RequireSession(sessions SessionBoundary) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := sessions.CurrentUserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Sign in first.",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequestLogger puts a request scoped logger on the context and logs every
// request once it is done. Errors attached with c.Error are logged too.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := log.With().Str("path", c.Request.URL.Path).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(ctx))

		start := time.Now()
		c.Next()

		event := logger.Info()
		if len(c.Errors) > 0 {
			event = logger.Warn().Str("errors", c.Errors.String())
		}
		event.Ctx(c.Request.Context()).
			Str("method", c.Request.Method).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
