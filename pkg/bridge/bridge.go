// Package bridge holds the wire vocabulary shared by the frontend socket
// protocol, the query engine, and the MCP dispatcher: frame types, error
// codes, and the definitions frontends register.
package bridge

// ToolDefinition describes a tool a frontend exposes to MCP hosts. The
// schemas and Meta are opaque to the bridge and passed through unchanged.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Meta         map[string]any `json:"_meta,omitempty"`
}

// ResourceDefinition describes a URI-addressed piece of content a frontend
// can serve on demand.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceResult is the outcome of a resource-read round trip. Exactly one
// of Text or Blob is set on success; Error is set on failure.
type ResourceResult struct {
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Error    string `json:"error,omitempty"`
}

// QueryToolCall is one recorded tool invocation performed under a query.
type QueryToolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
}

// SessionSummary is the discovery shape returned by list_sessions and in
// SessionNotSpecified soft errors.
type SessionSummary struct {
	SessionID    string   `json:"sessionId"`
	SessionName  string   `json:"sessionName,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	PageTitle    string   `json:"pageTitle,omitempty"`
	ConnectedAt  int64    `json:"connectedAt"`
	LastActivity int64    `json:"lastActivity"`
	Tools        []string `json:"tools"`
	Resources    []string `json:"resources,omitempty"`
}
