package bridge

// Error code constants surfaced in socket frames, soft results, and JSON-RPC
// error data. These are part of the wire contract with frontends and hosts.
const (
	CodeMissingAuthentication   = "MissingAuthentication"
	CodeNoSessionsFound         = "NoSessionsFound"
	CodeInvalidSession          = "InvalidSession"
	CodeSessionNotFound         = "SessionNotFound"
	CodeSessionNotSpecified     = "SessionNotSpecified"
	CodeSessionNameAlreadyInUse = "SessionNameAlreadyInUse"
	CodeSessionLimitExceeded    = "SessionLimitExceeded"
	CodeSessionExpired          = "SessionExpired"
	CodeQueryNotFound           = "QueryNotFound"
	CodeQueryNotActive          = "QueryNotActive"
	CodeQueryLimitExceeded      = "QueryLimitExceeded"
	CodeToolNameRequired        = "ToolNameRequired"
	CodeToolNotFound            = "ToolNotFound"
	CodeToolNotAllowed          = "ToolNotAllowed"
	CodeUnknownMethod           = "UnknownMethod"
	CodeInternal                = "Internal"
)
