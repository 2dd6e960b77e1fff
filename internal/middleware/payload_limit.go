// Package middleware provides HTTP middleware for the worker status server.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds request bodies on the status server. None of
// its endpoints read a body larger than a few bytes.
const DefaultMaxBodyBytes int64 = 4 << 10

const maxBodyKey = "maxBodyBytes"

// BodyLimitResponse is the JSON body of a 413 response.
type BodyLimitResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	MaxBytes int64  `json:"maxBytes"`
}

// BodyLimit rejects requests whose declared Content-Length exceeds maxBytes
// and caps the reader for the rest. Pair it with BodyLimitErrors.
func BodyLimit(maxBytes int64, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxBytes {
			logRejected(logger, c, c.Request.ContentLength, maxBytes)
			abortTooLarge(c, maxBytes)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Set(maxBodyKey, maxBytes)
		c.Next()
	}
}

// BodyLimitErrors turns a handler error caused by an over-long streamed
// body into a 413. Register it before BodyLimit.
func BodyLimitErrors(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, ginErr := range c.Errors {
			var tooLarge *http.MaxBytesError
			if !errors.As(ginErr.Err, &tooLarge) {
				continue
			}
			maxBytes := c.GetInt64(maxBodyKey)
			logRejected(logger, c, tooLarge.Limit, maxBytes)
			c.Errors = c.Errors[:0]
			abortTooLarge(c, maxBytes)
			return
		}
	}
}

func logRejected(logger zerolog.Logger, c *gin.Context, size, maxBytes int64) {
	logger.Warn().
		Str("clientIP", c.ClientIP()).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int64("size", size).
		Int64("maxBytes", maxBytes).
		Msg("oversized request rejected")
}

func abortTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, BodyLimitResponse{
		Error:    "payloadTooLarge",
		Message:  "request body exceeds the maximum allowed size",
		MaxBytes: maxBytes,
	})
}
