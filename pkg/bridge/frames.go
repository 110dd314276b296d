package bridge

// Frame types sent by frontends.
const (
	FrameAuthenticate     = "authenticate"
	FrameRegisterTool     = "register-tool"
	FrameRegisterResource = "register-resource"
	FrameActivity         = "activity"
	FrameToolResponse     = "tool-response"
	FrameResourceResponse = "resource-response"
	FrameQuery            = "query"
	FrameQueryCancel      = "query_cancel" // also sent by the bridge on agent cancel
)

// Frame types sent by the bridge.
const (
	FrameAuthenticated  = "authenticated"
	FrameAuthFailed     = "authentication-failed"
	FrameToolCall       = "tool-call"
	FrameResourceRead   = "resource-read"
	FrameQueryAccepted  = "query_accepted"
	FrameQueryProgress  = "query_progress"
	FrameQueryComplete  = "query_complete"
	FrameQueryFailure   = "query_failure"
	FrameSessionClosed  = "session-closed"
	FrameSessionExpired = "session-expired"
)

// AuthenticateFrame is the first frame a frontend must send after connecting.
type AuthenticateFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	AuthToken   string `json:"authToken"`
	Origin      string `json:"origin"`
	PageTitle   string `json:"pageTitle,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
}

// RegisterToolFrame upserts a tool into the sending session.
type RegisterToolFrame struct {
	Type string         `json:"type"`
	Tool ToolDefinition `json:"tool"`
}

// RegisterResourceFrame upserts a resource into the sending session.
type RegisterResourceFrame struct {
	Type     string             `json:"type"`
	Resource ResourceDefinition `json:"resource"`
}

// ActivityFrame advances the session's lastActivity timestamp.
type ActivityFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// ToolResponseFrame answers a tool-call by requestId. Result is the raw
// value the page produced; the dispatcher classifies its shape when wrapping.
type ToolResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    any    `json:"result"`
}

// ResourceResponseFrame answers a resource-read by requestId.
type ResourceResponseFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Content   string `json:"content,omitempty"` // text content
	Blob      string `json:"blob,omitempty"`    // base64 content
	MimeType  string `json:"mimeType,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResponseToolSpec nominates a tool whose successful call auto-completes
// the query.
type ResponseToolSpec struct {
	Name string `json:"name"`
}

// QueryFrame starts an agent-mediated query. Fields beyond the ones below
// (prompt, context, ...) are passed through to the agent verbatim, so the
// handler keeps the raw frame bytes alongside this parse.
type QueryFrame struct {
	Type          string            `json:"type"`
	UUID          string            `json:"uuid"`
	SessionID     string            `json:"sessionId,omitempty"` // defaults to the sending session
	ResponseTool  *ResponseToolSpec `json:"responseTool,omitempty"`
	Tools         []string          `json:"tools,omitempty"`
	RestrictTools bool              `json:"restrictTools,omitempty"`
}

// QueryCancelFrame cancels a query. Sent by frontends; the bridge sends the
// same shape when the agent cancels.
type QueryCancelFrame struct {
	Type   string `json:"type"`
	UUID   string `json:"uuid"`
	Reason string `json:"reason,omitempty"`
}

// AuthenticatedFrame acknowledges a successful authenticate.
type AuthenticatedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// AuthFailedFrame reports a rejected authenticate; the socket is closed
// with 1008 right after.
type AuthFailedFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ToolCallFrame asks a frontend to run a tool and answer by requestId.
type ToolCallFrame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	QueryID   string         `json:"queryId,omitempty"`
}

// ResourceReadFrame asks a frontend to produce a resource's content.
type ResourceReadFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	URI       string `json:"uri"`
}

// QueryAcceptedFrame confirms the agent accepted the query.
type QueryAcceptedFrame struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

// QueryCompleteFrame delivers the terminal result of a query together with
// every tool call recorded under it.
type QueryCompleteFrame struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Message   any             `json:"message,omitempty"`
	ToolCalls []QueryToolCall `json:"toolCalls"`
}

// QueryFailureFrame reports a query that did not complete.
type QueryFailureFrame struct {
	Type  string `json:"type"`
	UUID  string `json:"uuid,omitempty"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SessionClosedFrame is sent before the bridge closes a socket for policy
// reasons (cap eviction).
type SessionClosedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

// SessionExpiredFrame is sent before the bridge closes a socket that
// outlived the configured maximum duration.
type SessionExpiredFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}
