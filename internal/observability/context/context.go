// Package obscontext carries request-scoped correlation values used by
// logging and tracing.
package obscontext

import (
	"context"
	"strings"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	userKey       contextKey = "user_id"
	usagePointKey contextKey = "usage_point_id"
)

// WithRequestID stores the request identifier in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser stores the bare JID of the user a request acts for.
func WithUser(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// UserFromContext returns the user identifier or an empty string.
func UserFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

// WithUsagePoint stores the usage point identifier a request targets.
func WithUsagePoint(ctx context.Context, usagePointID string) context.Context {
	usagePointID = strings.TrimSpace(usagePointID)
	if usagePointID == "" {
		return ctx
	}
	return context.WithValue(ctx, usagePointKey, usagePointID)
}

// UsagePointFromContext returns the usage point identifier or an empty string.
func UsagePointFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(usagePointKey).(string); ok {
		return v
	}
	return ""
}
