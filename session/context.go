package session

import (
	"context"

	"github.com/mcplane/mcp-session-go/jsonrpc"
)

type inboundRequestIDKey struct{}

func withInboundRequestID(ctx context.Context, id *jsonrpc.RequestID) context.Context {
	return context.WithValue(ctx, inboundRequestIDKey{}, id)
}

// InboundRequestID returns the ID of the inbound request being served on
// ctx, if any. Transports use it to correlate messages a request handler
// emits (progress notifications, nested requests) with the exchange that
// carried the originating request.
func InboundRequestID(ctx context.Context) (*jsonrpc.RequestID, bool) {
	id, ok := ctx.Value(inboundRequestIDKey{}).(*jsonrpc.RequestID)
	return id, ok
}
