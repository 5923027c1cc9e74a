package core

import "context"

type contextKey string

const ctxKeyOrigin contextKey = "run_origin"

// Origin sources.
const (
	OriginCLI  = "cli"
	OriginHTTP = "http"
)

// Origin records who started a run. It is stored with the run history.
type Origin struct {
	Source    string
	IPAddress string
	UserAgent string
}

// ContextWithOrigin attaches the run origin to ctx.
func ContextWithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, ctxKeyOrigin, o)
}

// OriginFromContext returns the origin stored in ctx. Runs without one are
// treated as CLI runs.
func OriginFromContext(ctx context.Context) Origin {
	if o, ok := ctx.Value(ctxKeyOrigin).(Origin); ok {
		return o
	}
	return Origin{Source: OriginCLI}
}
