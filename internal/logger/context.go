package logger

import "context"

type logContextKey struct{}

// LogContext holds the fields every record logged on behalf of a session
// carries. Values are immutable once stored in a context; the With methods
// return modified copies.
type LogContext struct {
	TraceID    string
	SpanID     string
	SessionID  int32 // 0 when not bound to a running session
	SessionKey string
	UseCase    string // use-case instance path
	Login      string
}

// NewLogContext binds a LogContext to a running session.
func NewLogContext(sessionID int32, sessionKey string) *LogContext {
	return &LogContext{SessionID: sessionID, SessionKey: sessionKey}
}

// WithContext stores lc in ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey{}, lc)
}

// FromContext returns the LogContext of ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey{}).(*LogContext)
	return lc
}

func (lc *LogContext) copyWith(set func(*LogContext)) *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	set(&c)
	return &c
}

func (lc *LogContext) WithUseCase(path string) *LogContext {
	return lc.copyWith(func(c *LogContext) { c.UseCase = path })
}

func (lc *LogContext) WithLogin(login string) *LogContext {
	return lc.copyWith(func(c *LogContext) { c.Login = login })
}

func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	return lc.copyWith(func(c *LogContext) { c.TraceID, c.SpanID = traceID, spanID })
}

// fields returns the non-empty fields as slog key/value pairs.
func (lc *LogContext) fields() []any {
	out := make([]any, 0, 12)
	add := func(key string, v any, set bool) {
		if set {
			out = append(out, key, v)
		}
	}
	add(KeyTraceID, lc.TraceID, lc.TraceID != "")
	add(KeySpanID, lc.SpanID, lc.SpanID != "")
	add(KeySessionID, lc.SessionID, lc.SessionID != 0)
	add(KeySessionKey, lc.SessionKey, lc.SessionKey != "")
	add(KeyUseCase, lc.UseCase, lc.UseCase != "")
	add(KeyLogin, lc.Login, lc.Login != "")
	return out
}

// ContextWithUseCase returns ctx with the use-case path set, keeping the
// session fields already present in ctx.
func ContextWithUseCase(ctx context.Context, path string) context.Context {
	lc := FromContext(ctx)
	if lc == nil {
		lc = &LogContext{}
	}
	return WithContext(ctx, lc.WithUseCase(path))
}
