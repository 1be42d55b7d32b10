package skills

import (
	"encoding/json"

	invopopSchema "github.com/invopop/jsonschema"
)

// marshalFunc is the JSON marshaler used by GenerateSchema; package-level so
// tests can inject a failing marshaler.
var marshalFunc = func(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// MemorySaveParams documents memory-save's parameters for schema advertisement.
type MemorySaveParams struct {
	Content    string `json:"content" jsonschema:"required"`
	Visibility string `json:"visibility,omitempty" jsonschema:"enum=public,enum=private"`
	Importance string `json:"importance,omitempty" jsonschema:"enum=high,enum=normal"`
}

// MemorySearchParams documents memory-search's parameters.
type MemorySearchParams struct {
	Query string `json:"query" jsonschema:"required"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1"`
}

// MemoryPatchParams documents memory-patch's parameters.
type MemoryPatchParams struct {
	MemoryID   string `json:"memory_id" jsonschema:"required"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Visibility string `json:"visibility,omitempty" jsonschema:"enum=public,enum=private"`
	Importance string `json:"importance,omitempty" jsonschema:"enum=high,enum=normal"`
}

// SendReplyParams documents send-reply's parameters.
type SendReplyParams struct {
	Message     string        `json:"message" jsonschema:"required"`
	Attachments []interface{} `json:"attachments,omitempty"`
}

// FetchContextParams documents fetch-context's parameters.
type FetchContextParams struct {
	Type  string `json:"type" jsonschema:"enum=recent_messages,enum=search_messages,enum=user_info"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1"`
	Query string `json:"query,omitempty"`
}

// GenerateSchema reflects a Go struct into a JSON Schema document. Nothing in
// the daemon calls it; the agent is not sent these schemas.
func GenerateSchema(params interface{}) string {
	reflector := invopopSchema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(params)
	data, err := marshalFunc(schema)
	if err != nil {
		return ""
	}
	return string(data)
}
