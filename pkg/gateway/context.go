package gateway

import "context"

type ctxKey int

const (
	clientIDKey ctxKey = iota
	transportKey
)

// Transports a request can arrive on.
const (
	transportHTTP      = "http"
	transportWebSocket = "ws"
)

func withClient(ctx context.Context, clientID, transport string) context.Context {
	ctx = context.WithValue(ctx, clientIDKey, clientID)
	return context.WithValue(ctx, transportKey, transport)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func transportFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(transportKey).(string)
	return value
}
