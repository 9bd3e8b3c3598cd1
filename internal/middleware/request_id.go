package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestLog tags each request with an X-Request-ID and logs one line when it
// completes.
func RequestLog(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()
		logger.Printf("admin: %s %s %d %s id=%s", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Round(time.Microsecond), requestID)
	}
}
