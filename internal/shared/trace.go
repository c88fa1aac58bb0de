package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey indexes the correlation ids a request carries through runtime,
// executor, scheduler and audit. Each one becomes a log attribute.
type ctxKey int

const (
	traceKey ctxKey = iota
	taskKey
	sessionKey
	snapshotKey
)

var logKeys = [...]string{
	traceKey:    "trace_id",
	taskKey:     "task_id",
	sessionKey:  "session_id",
	snapshotKey: "snapshot_id",
}

func withID(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func id(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withID(ctx, traceKey, traceID)
}

// TraceID returns "-" when no trace id is set, so log lines always carry one.
func TraceID(ctx context.Context) string {
	if v := id(ctx, traceKey); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withID(ctx, taskKey, taskID)
}

func TaskID(ctx context.Context) string { return id(ctx, taskKey) }

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionKey, sessionID)
}

func SessionID(ctx context.Context) string { return id(ctx, sessionKey) }

// WithSnapshotID marks the graph snapshot being written under ctx.
func WithSnapshotID(ctx context.Context, snapshotID string) context.Context {
	return withID(ctx, snapshotKey, snapshotID)
}

func SnapshotID(ctx context.Context) string { return id(ctx, snapshotKey) }

// LogAttrs returns the ids present in ctx as slog key/value pairs. trace_id
// is always first.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{logKeys[traceKey], TraceID(ctx)}
	for _, k := range []ctxKey{taskKey, sessionKey, snapshotKey} {
		if v := id(ctx, k); v != "" {
			attrs = append(attrs, logKeys[k], v)
		}
	}
	return attrs
}
