package skills

// Literal validation error strings (§6) — downstream tooling parses these
// verbatim, so they must never be reworded.
const (
	errMissingContent       = "Missing or invalid 'content' parameter"
	errInvalidVisibility    = "Invalid 'visibility' parameter. Must be 'public' or 'private'"
	errInvalidImportance    = "Invalid 'importance' parameter. Must be 'high' or 'normal'"
	errPrivateNonDM         = "Private memories can only be saved in DM contexts"
	errInvalidLimit         = "Invalid 'limit' parameter. Must be a positive number"
	errMissingMemoryID      = "Missing or invalid 'memory_id' parameter"
	errInvalidEnabled       = "Invalid 'enabled' parameter. Must be a boolean"
	errNoPatchFields        = "At least one of 'enabled', 'visibility', or 'importance' must be provided"
	errMissingMessage       = "Missing or invalid 'message' parameter"
	errEmptyMessage         = "Message cannot be empty"
	errInvalidAttachments   = "Invalid 'attachments' parameter. Must be an array"
	errReplyAlreadySent     = "Reply can only be sent once per interaction"
	errMissingType          = "Missing or invalid 'type' parameter"
	errInvalidType          = "Invalid 'type' parameter. Must be one of: recent_messages, search_messages, user_info"
	errMissingSearchQuery   = "Missing or invalid 'query' parameter for search_messages type"
	errSearchUnsupported    = "Platform does not support message search"
)
