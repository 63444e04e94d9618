// Package schema embeds the JSON Schema documents used to validate
// inbound wire envelopes.
package schema

import _ "embed"

//go:embed tool_call.schema.json
var ToolCallJSON []byte

// ToolCallSchemaURL is the $id used when compiling ToolCallJSON, matching
// the teacher's firewall.go convention of a synthetic local schema URL.
const ToolCallSchemaURL = "https://agent-gateway.intelli-systems.dev/schemas/tool_call.schema.json"
