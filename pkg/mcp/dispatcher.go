package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/trestlehq/trestle/pkg/bridge"
	"github.com/trestlehq/trestle/pkg/metrics"
	"github.com/trestlehq/trestle/pkg/query"
	"github.com/trestlehq/trestle/pkg/session"
)

// ServerInfo is what initialize and GET / report about this server.
type ServerInfo struct {
	Name        string
	Description string
	Version     string
	Icon        string
}

// AuthContext carries the request's credentials: the frontend auth token
// (bearer header or ?token=) and the Mcp-Session-Id header if present.
type AuthContext struct {
	Token        string
	McpSessionID string
}

// Dispatcher routes JSON-RPC requests to their method handlers.
type Dispatcher struct {
	registry *session.Registry
	engine   *query.Engine
	caller   *session.Caller
	hosts    *HostSessions
	info     ServerInfo
}

func NewDispatcher(registry *session.Registry, engine *query.Engine, caller *session.Caller, hosts *HostSessions, info ServerInfo) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		engine:   engine,
		caller:   caller,
		hosts:    hosts,
		info:     info,
	}
}

// Dispatch handles one JSON-RPC request. Panics in method handlers become
// -32603 so a single bad request cannot take the server down.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, auth AuthContext) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in RPC handler", "method", req.Method, "panic", r)
			out = errorOutcome(req.ID, CodeInternalError, bridge.CodeInternal)
		}
	}()
	metrics.RPCRequests.WithLabelValues(methodLabel(req.Method)).Inc()

	// initialize mints the session id; every other request that presents one
	// must name a live host session.
	if req.Method != "initialize" && auth.McpSessionID != "" {
		if !d.hosts.Touch(auth.McpSessionID) {
			return Outcome{
				Status: http.StatusNotFound,
				Body:   map[string]string{"error": "MCP session not found"},
			}
		}
	}

	switch req.Method {
	case "initialize":
		return d.initialize(req, auth)
	case "notifications/initialized":
		return Outcome{Status: http.StatusAccepted}
	case "tools/list":
		return d.toolsList(req, auth)
	case "tools/call":
		return d.toolsCall(ctx, req, auth)
	case "resources/list":
		return d.resourcesList(req, auth)
	case "resources/read":
		return d.resourcesRead(ctx, req, auth)
	case "prompts/list":
		return d.promptsList(req, auth)
	default:
		return errorOutcome(req.ID, CodeMethodNotFound, bridge.CodeUnknownMethod)
	}
}

func (d *Dispatcher) initialize(req *Request, auth AuthContext) Outcome {
	if auth.Token == "" {
		return errorOutcome(req.ID, CodeInvalidRequest, bridge.CodeMissingAuthentication)
	}
	id := d.hosts.Create(auth.Token)

	serverInfo := map[string]any{
		"name":        d.info.Name,
		"description": d.info.Description,
		"version":     d.info.Version,
	}
	if d.info.Icon != "" {
		serverInfo["icon"] = d.info.Icon
	}
	out := resultOutcome(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": serverInfo,
	})
	out.SessionID = id
	return out
}

// sessionSet assembles the target session set: a queryId pins the owning
// session, otherwise the auth token selects every session it opened.
func (d *Dispatcher) sessionSet(req *Request, meta metaParams, auth AuthContext) ([]*session.Session, *Outcome) {
	if meta.QueryID != "" {
		sessionID, softErr := d.engine.Resolve(meta.QueryID)
		if softErr != nil {
			out := resultOutcome(req.ID, softErr)
			return nil, &out
		}
		sess, ok := d.registry.Get(sessionID)
		if !ok {
			out := resultOutcome(req.ID, map[string]any{"error": bridge.CodeSessionNotFound, "isError": true})
			return nil, &out
		}
		return []*session.Session{sess}, nil
	}
	if auth.Token != "" {
		set := d.registry.ByToken(auth.Token)
		if len(set) == 0 {
			out := errorOutcome(req.ID, CodeInvalidRequest, bridge.CodeNoSessionsFound)
			return nil, &out
		}
		return set, nil
	}
	out := errorOutcome(req.ID, CodeInvalidRequest, bridge.CodeMissingAuthentication)
	return nil, &out
}

// listSessionsTool is the synthetic tool that is always advertised.
func listSessionsTool() map[string]any {
	return map[string]any{
		"name":        "list_sessions",
		"description": "List all browser sessions with their available tools",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (d *Dispatcher) toolsList(req *Request, auth AuthContext) Outcome {
	var params listParams
	parseParams(req.Params, &params)

	set, short := d.sessionSet(req, params.Meta, auth)
	if short != nil {
		return *short
	}

	target, errCode := pickSession(set, params.Meta.SessionID)
	if target == nil {
		return resultOutcome(req.ID, map[string]any{
			"tools":              []any{listSessionsTool()},
			"isError":            true,
			"error":              errCode,
			"error_message":      sessionPickHint(errCode),
			"error_is_fatal":     false,
			"available_sessions": summaries(set),
		})
	}

	tools := []any{listSessionsTool()}
	for _, def := range target.Tools() {
		tools = append(tools, exportTool(def))
	}
	return resultOutcome(req.ID, map[string]any{"tools": tools})
}

func (d *Dispatcher) toolsCall(ctx context.Context, req *Request, auth AuthContext) Outcome {
	var params callParams
	parseParams(req.Params, &params)

	if params.Name == "" {
		return resultOutcome(req.ID, map[string]any{"error": bridge.CodeToolNameRequired, "isError": true})
	}

	var set []*session.Session
	if params.Meta.QueryID != "" {
		sessionID, softErr := d.engine.ValidateToolCall(params.Meta.QueryID, params.Name)
		if softErr != nil {
			return resultOutcome(req.ID, softErr)
		}
		sess, ok := d.registry.Get(sessionID)
		if !ok {
			return resultOutcome(req.ID, map[string]any{"error": bridge.CodeSessionNotFound, "isError": true})
		}
		set = []*session.Session{sess}
	} else {
		var short *Outcome
		set, short = d.sessionSet(req, params.Meta, auth)
		if short != nil {
			return *short
		}
	}

	if params.Name == "list_sessions" {
		return resultOutcome(req.ID, map[string]any{"sessions": summaries(set)})
	}

	// arguments.session_id beats _meta.sessionId for routing.
	sid := params.Meta.SessionID
	if v, ok := params.Arguments["session_id"].(string); ok && v != "" {
		sid = v
	}
	target, errCode := pickSession(set, sid)
	if target == nil {
		body := map[string]any{
			"error":              errCode,
			"error_message":      sessionPickHint(errCode),
			"isError":            true,
			"available_sessions": summaries(set),
		}
		return resultOutcome(req.ID, body)
	}

	if _, ok := target.Tool(params.Name); !ok {
		return resultOutcome(req.ID, map[string]any{
			"error":           bridge.CodeToolNotFound,
			"isError":         true,
			"available_tools": toolNames(target),
		})
	}

	// The injected session_id routing property is not part of the page
	// tool's own schema.
	forwarded := params.Arguments
	if _, has := forwarded["session_id"]; has {
		forwarded = make(map[string]any, len(params.Arguments))
		for k, v := range params.Arguments {
			if k != "session_id" {
				forwarded[k] = v
			}
		}
	}

	result := d.caller.CallTool(ctx, target, params.Name, forwarded, params.Meta.QueryID)
	if params.Meta.QueryID != "" {
		d.engine.RecordToolCall(ctx, params.Meta.QueryID, params.Name, forwarded, result)
	}

	if m, ok := result.(map[string]any); ok {
		if fatal, _ := m["error_is_fatal"].(bool); fatal {
			msg, _ := m["error_message"].(string)
			if msg == "" {
				msg, _ = m["error"].(string)
			}
			return errorOutcomeData(req.ID, CodeInvalidParams, msg, m)
		}
	}
	return resultOutcome(req.ID, WrapToolResult(result))
}

// sessionsResource is the synthetic resource that is always advertised.
func sessionsResource() map[string]any {
	return map[string]any{
		"uri":         "sessions://list",
		"name":        "Browser sessions",
		"description": "Connected browser sessions and what they expose",
		"mimeType":    "application/json",
	}
}

func (d *Dispatcher) resourcesList(req *Request, auth AuthContext) Outcome {
	var params listParams
	parseParams(req.Params, &params)

	set, short := d.sessionSet(req, params.Meta, auth)
	if short != nil {
		return *short
	}

	target, errCode := pickSession(set, params.Meta.SessionID)
	if target == nil {
		return resultOutcome(req.ID, map[string]any{
			"resources":          []any{sessionsResource()},
			"isError":            true,
			"error":              errCode,
			"error_message":      sessionPickHint(errCode),
			"error_is_fatal":     false,
			"available_sessions": summaries(set),
		})
	}

	resources := []any{sessionsResource()}
	for _, def := range target.Resources() {
		resources = append(resources, exportResource(def))
	}
	return resultOutcome(req.ID, map[string]any{"resources": resources})
}

func (d *Dispatcher) resourcesRead(ctx context.Context, req *Request, auth AuthContext) Outcome {
	var params readParams
	parseParams(req.Params, &params)

	set, short := d.sessionSet(req, params.Meta, auth)
	if short != nil {
		return *short
	}

	if params.URI == "sessions://list" {
		text, err := json.Marshal(summaries(set))
		if err != nil {
			return errorOutcome(req.ID, CodeInternalError, bridge.CodeInternal)
		}
		return resultOutcome(req.ID, map[string]any{
			"contents": []any{map[string]any{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     string(text),
			}},
		})
	}

	var target *session.Session
	if params.Meta.SessionID != "" {
		for _, s := range set {
			if s.ID == params.Meta.SessionID {
				target = s
				break
			}
		}
	}
	if target == nil {
		// No explicit owner; any session claiming the uri serves it.
		for _, s := range set {
			if _, ok := s.Resource(params.URI); ok {
				target = s
				break
			}
		}
	}
	if target == nil {
		return resultOutcome(req.ID, map[string]any{"error": "Resource not found", "isError": true})
	}

	res := d.caller.ReadResource(ctx, target, params.URI)
	if res.Error != "" {
		return resultOutcome(req.ID, map[string]any{"error": res.Error, "isError": true})
	}
	content := map[string]any{"uri": params.URI}
	if res.MimeType != "" {
		content["mimeType"] = res.MimeType
	}
	if res.Blob != "" {
		content["blob"] = res.Blob
	} else {
		content["text"] = res.Text
	}
	return resultOutcome(req.ID, map[string]any{"contents": []any{content}})
}

func (d *Dispatcher) promptsList(req *Request, auth AuthContext) Outcome {
	var params listParams
	parseParams(req.Params, &params)

	set, short := d.sessionSet(req, params.Meta, auth)
	if short != nil {
		return *short
	}

	if target, errCode := pickSession(set, params.Meta.SessionID); target == nil {
		return resultOutcome(req.ID, map[string]any{
			"prompts":            []any{},
			"isError":            true,
			"error":              errCode,
			"error_message":      sessionPickHint(errCode),
			"error_is_fatal":     false,
			"available_sessions": summaries(set),
		})
	}
	return resultOutcome(req.ID, map[string]any{"prompts": []any{}})
}

// pickSession resolves the target session: an explicit session id wins, a
// singleton set is unambiguous, anything else fails with the error code to
// report (SessionNotFound for a named miss, SessionNotSpecified for an
// ambiguous set).
func pickSession(set []*session.Session, sessionID string) (*session.Session, string) {
	if sessionID != "" {
		for _, s := range set {
			if s.ID == sessionID {
				return s, ""
			}
		}
		return nil, bridge.CodeSessionNotFound
	}
	if len(set) == 1 {
		return set[0], ""
	}
	return nil, bridge.CodeSessionNotSpecified
}

func sessionPickHint(errCode string) string {
	if errCode == bridge.CodeSessionNotFound {
		return "No connected session has that session_id. Call list_sessions for the current set."
	}
	return "Multiple sessions are connected. Call list_sessions and pass session_id to pick one."
}

// exportTool converts a registered tool into its MCP listing. The input
// schema gains an optional session_id routing property; required is left
// unchanged and registration _meta passes through verbatim.
func exportTool(def bridge.ToolDefinition) map[string]any {
	schema := map[string]any{"type": "object"}
	for k, v := range def.InputSchema {
		schema[k] = v
	}
	props := map[string]any{}
	if p, ok := schema["properties"].(map[string]any); ok {
		for k, v := range p {
			props[k] = v
		}
	}
	props["session_id"] = map[string]any{
		"type":        "string",
		"description": "Browser session to target; optional when exactly one session is connected",
	}
	schema["properties"] = props

	tool := map[string]any{
		"name":        def.Name,
		"description": def.Description,
		"inputSchema": schema,
	}
	if def.OutputSchema != nil {
		tool["outputSchema"] = def.OutputSchema
	}
	if def.Meta != nil {
		tool["_meta"] = def.Meta
	}
	return tool
}

func exportResource(def bridge.ResourceDefinition) map[string]any {
	r := map[string]any{
		"uri":  def.URI,
		"name": def.Name,
	}
	if def.Description != "" {
		r["description"] = def.Description
	}
	if def.MimeType != "" {
		r["mimeType"] = def.MimeType
	}
	return r
}

func summaries(set []*session.Session) []bridge.SessionSummary {
	out := make([]bridge.SessionSummary, 0, len(set))
	for _, s := range set {
		out = append(out, s.Summary())
	}
	return out
}

func toolNames(sess *session.Session) []string {
	defs := sess.Tools()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// methodLabel bounds the metric label space to the known method vocabulary.
func methodLabel(method string) string {
	switch method {
	case "initialize", "notifications/initialized", "tools/list", "tools/call",
		"resources/list", "resources/read", "prompts/list":
		return method
	default:
		return "unknown"
	}
}
