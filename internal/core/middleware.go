package core

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RequestLogger returns a gin middleware for request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		startTime := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		statusCode := c.Writer.Status()
		event := log.Info()
		if statusCode >= 500 {
			event = log.Error()
		} else if statusCode >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", time.Since(startTime)).
			Str("client_ip", c.ClientIP()).
			Int("response_size", c.Writer.Size()).
			Msg("HTTP request")

		for _, e := range c.Errors {
			log.Error().
				Str("request_id", requestID).
				Err(e.Err).
				Msg("Request error")
		}
	}
}

// Recovery returns a gin middleware that recovers from panics
// and answers with the unified error response
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := getRequestID(c)

				log.Error().
					Str("request_id", requestID).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Interface("error", err).
					Str("stack", stackTrace(3)).
					Msg("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, Response{
					Code:      int(ErrInternalServer),
					Message:   GetErrorMessage(ErrInternalServer),
					Timestamp: time.Now().Unix(),
					RequestID: requestID,
				})
			}
		}()

		c.Next()
	}
}

// stackTrace returns a formatted stack trace without runtime frames
func stackTrace(skip int) string {
	var builder strings.Builder

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return builder.String()
}
