package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const clientIDKey contextKey = "client_id"

func setClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// ClientID identifies the caller for rate limiting: the authenticated key
// when there is one, otherwise the remote host.
func ClientID(r *http.Request) string {
	if id, ok := r.Context().Value(clientIDKey).(string); ok && id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
