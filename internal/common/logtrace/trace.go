package logtrace

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const requestIDKey ctxKey = "requestId"

// WithRequestID stores id on the context and binds it to the context logger.
func WithRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, id)
	l := Logger(ctx).With().Str("request_id", id).Logger()
	return l.WithContext(ctx)
}

// RequestIdFromContext returns the request id or "" when none is set.
func RequestIdFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	r, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return r
}

// Logger returns the context logger, falling back to the global one.
func Logger(ctx context.Context) *zerolog.Logger {
	l := log.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}
