package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/labfhir/internal/core"
)

// WithRequestMetadata records the caller's IP and User-Agent as the run
// origin so they are stored with the run history.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ip := r.RemoteAddr // already rewritten by TrustedRealIP
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return core.ContextWithOrigin(ctx, core.Origin{
		Source:    core.OriginHTTP,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	})
}
