// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/util"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestLogger returns gin middleware that assigns a request id and logs one
// line per request. Authorization headers are masked.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()

		fields := log.Fields{
			"request_id": id,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).Round(time.Microsecond).String(),
			"client":     c.ClientIP(),
		}
		if auth := c.GetHeader("Authorization"); auth != "" {
			fields["authorization"] = util.MaskAuthorizationHeader(auth)
		}
		entry := log.WithFields(fields)
		line := c.Request.Method + " " + c.Request.URL.Path
		switch {
		case c.Writer.Status() >= 500:
			entry.Error(line)
		case c.Writer.Status() >= 400:
			entry.Warn(line)
		default:
			entry.Debug(line)
		}
	}
}

// RequestID returns the id RequestLogger assigned to c.
func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// FromContext returns a log entry tagged with the request id of c.
func FromContext(c *gin.Context) *log.Entry {
	return log.WithField(requestIDKey, RequestID(c))
}
