// Package mcp holds the wire-level message shapes of the Model Context
// Protocol that the session and transport layers need to recognize. Higher
// level method semantics (tools, resources, prompts) are deliberately absent;
// applications define their own params/result types and exchange them as raw
// JSON through the session.
package mcp

import "github.com/mcplane/mcp-session-go/jsonrpc"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	// Lifecycle
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Utilities
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// ProgressToken identifies a long-running operation for progress reporting.
// It mirrors the request ID of the operation.
type ProgressToken = string

// ImplementationInfo describes one side of the connection.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitzero"`
	Version string `json:"version"`
}

// InitializeRequest is the params payload of the initialize handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the result payload of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// CancelledNotification informs the peer that a request was cancelled. The
// request ID keeps its tagged kind so that cancellation targets exactly the
// request that was sent, never a look-alike of the other kind.
type CancelledNotification struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
}

// EmptyResult is the result payload of requests that return no data.
type EmptyResult struct{}
