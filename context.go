package vigil

import (
	"context"

	"github.com/vigilkit/vigil/fingerprint"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type acceptHeaderContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for throttling, risk scoring, and fingerprint derivation.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithAcceptHeader attaches the HTTP Accept header to ctx. It contributes
// entropy to the device fingerprint.
func WithAcceptHeader(ctx context.Context, accept string) context.Context {
	return context.WithValue(ctx, acceptHeaderContextKey{}, accept)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ua, _ := ctx.Value(userAgentContextKey{}).(string)
	return ua
}

func acceptHeaderFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	accept, _ := ctx.Value(acceptHeaderContextKey{}).(string)
	return accept
}

// fingerprintFromContext derives the request fingerprint from the
// transport-layer attributes carried on ctx. It is never client-supplied.
func fingerprintFromContext(ctx context.Context) fingerprint.Fingerprint {
	ua := userAgentFromContext(ctx)
	ip := clientIPFromContext(ctx)
	accept := acceptHeaderFromContext(ctx)
	if ua == "" && ip == "" && accept == "" {
		return ""
	}
	return fingerprint.Derive(ua, ip, accept)
}
