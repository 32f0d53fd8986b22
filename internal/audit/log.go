package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"ledgerdesk.org/internal/auth"
	"ledgerdesk.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id attached by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit record enriched with the request id and the
// authenticated identity. Callers must not put secrets in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
		slog.Time("ts", time.Now().UTC()),
	}
	if rid := RequestID(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		attrs = append(attrs,
			slog.String("principal_id", id.PrincipalID),
			slog.String("role", string(id.Role)),
		)
	}
	if len(fields) > 0 {
		group := make([]any, 0, len(fields))
		for k, v := range fields {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("fields", group...))
	}
	obs.LoggerFrom(ctx).LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
