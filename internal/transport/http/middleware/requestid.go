package middleware

import (
	"github.com/ErlanBelekov/krithi-import/internal/domain"
	ctxlog "github.com/ErlanBelekov/krithi-import/internal/log"
	"github.com/ErlanBelekov/krithi-import/internal/requestid"
	"github.com/gin-gonic/gin"
)

// RequestID injects a request ID into the context and response header.
// A well-formed incoming X-Request-ID is preserved; anything else is
// replaced with a new UUID v4.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestid.Accept(c.GetHeader(requestid.Header))
		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestid.Header, id)
		c.Next()
	}
}

// Ref tags the request context with the batch, job or task named by the
// :id route parameter, so every log record of the request carries it.
func Ref(ref domain.RefType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" {
			c.Request = c.Request.WithContext(ctxlog.WithRef(c.Request.Context(), ref, id))
		}
		c.Next()
	}
}
