package middleware

import (
	"context"
	"net/http"

	"clientportal/internal/auth"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxClaims    ctxKey = "claims"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithClaims(ctx context.Context, c *auth.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxClaims, c)
}

// Claims returns the access token claims stored by Authn.
func Claims(ctx context.Context) (*auth.AccessClaims, bool) {
	c, ok := ctx.Value(ctxClaims).(*auth.AccessClaims)
	return c, ok && c != nil
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		next.ServeHTTP(w, r)
	})
}
