// Package mcp implements the host-facing side of the bridge: JSON-RPC
// dispatch, the MCP session table with its server-push streams, and the
// wrapping of raw frontend tool results into CallToolResult.
package mcp

import (
	"encoding/json"
	"net/http"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. Params stay raw until the method
// handler knows which shape to decode.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *ErrorObj `json:"error,omitempty"`
}

// ErrorObj is a JSON-RPC 2.0 error object.
type ErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// metaParams is the MCP _meta routing block: sessionId targets a frontend
// session, queryId authenticates the call against an active query.
type metaParams struct {
	SessionID string `json:"sessionId,omitempty"`
	QueryID   string `json:"queryId,omitempty"`
}

type listParams struct {
	Meta metaParams `json:"_meta"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      metaParams     `json:"_meta"`
}

type readParams struct {
	URI  string     `json:"uri"`
	Meta metaParams `json:"_meta"`
}

// Outcome is what the HTTP layer writes back: status, JSON body (nil for an
// empty response), and the Mcp-Session-Id header value when one is minted.
type Outcome struct {
	Status    int
	Body      any
	SessionID string
}

func resultOutcome(id, result any) Outcome {
	return Outcome{
		Status: http.StatusOK,
		Body:   Response{JSONRPC: "2.0", ID: id, Result: result},
	}
}

func errorOutcome(id any, code int, message string) Outcome {
	return Outcome{
		Status: http.StatusOK,
		Body:   Response{JSONRPC: "2.0", ID: id, Error: &ErrorObj{Code: code, Message: message}},
	}
}

func errorOutcomeData(id any, code int, message string, data any) Outcome {
	return Outcome{
		Status: http.StatusOK,
		Body:   Response{JSONRPC: "2.0", ID: id, Error: &ErrorObj{Code: code, Message: message, Data: data}},
	}
}

// parseParams decodes params into the method's shape. Absent or malformed
// params leave the zero value; each handler validates what it needs.
func parseParams(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}
