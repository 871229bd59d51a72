package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/verdant/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// UserIDHeader carries the caller identity set by the upstream auth gateway.
const UserIDHeader = "X-User-ID"

const (
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDHeader     = "X-Request-ID"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware logs each request with correlation identifiers and safe fields.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		ctx := c.Request.Context()
		ctx = obscontext.WithRequestID(ctx, requestID)
		ctx = obscontext.WithUserID(ctx, strings.TrimSpace(c.GetHeader(UserIDHeader)))
		ctx = obscontext.WithCorrelationID(ctx, strings.TrimSpace(c.GetHeader(CorrelationIDHeader)))
		ctx, correlationID := obscontext.EnsureCorrelationID(ctx)
		c.Header(CorrelationIDHeader, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if orderID := c.GetString(OrderIDKey); orderID != "" {
			fields = append(fields, zap.String("order_id", orderID))
		}

		var errorType, errorCode string
		if last := c.Errors.Last(); last != nil {
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status, errorType, errorCode), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// OrderIDKey is the gin context key handlers set so request logs carry the order.
const OrderIDKey = "order_id"

func ensureRequestID(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(RequestIDHeader, id)
	return id
}

// InvalidTransitionCode marks a state change the order workflow should never attempt.
const InvalidTransitionCode = "invalid_transition"

// requestLevel keeps scrape traffic and routine quota denials out of info logs. Invalid
// state transitions are logged as defects even though the client sees a 409.
func requestLevel(route string, status int, errorType, errorCode string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case errorCode == InvalidTransitionCode:
		return zapcore.ErrorLevel
	case route == "/metrics" || route == "/health":
		return zapcore.DebugLevel
	case route == "/api/detections" && status == http.StatusForbidden && errorType == "quota_exceeded":
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
