package api

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Sessions    int    `json:"sessions"`
	Queries     int    `json:"queries"`
	MCPSessions int    `json:"mcp_sessions"`
}

// ServerInfoResponse is returned by GET / for plain (non-stream) requests.
type ServerInfoResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Icon        string `json:"icon,omitempty"`
}
