package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// hookDataSchemas holds one compiled schema per event_type, validating the
// envelope's `data` payload before the Agent Event Handler trusts any of
// its fields (§6 Hook event envelope).
var hookDataSchemas = compileHookSchemas()

const sessionStartSchema = `{
	"type": "object",
	"required": ["session_id", "transcript_path"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"transcript_path": {"type": "string", "minLength": 1}
	}
}`

func compileHookSchemas() map[string]*jsonschema.Schema {
	schemas := map[string]string{
		"session_start": sessionStartSchema,
	}
	out := make(map[string]*jsonschema.Schema, len(schemas))
	for eventType, raw := range schemas {
		c := jsonschema.NewCompiler()
		url := "mem://hook/" + eventType + ".json"
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("compile hook schema %s: %v", eventType, err))
		}
		schema, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("compile hook schema %s: %v", eventType, err))
		}
		out[eventType] = schema
	}
	return out
}

// validateHookData enforces the required-field schema for event types that
// have one registered; event types without a schema (prompt, stop,
// notification, session_end) carry agent-specific data the handler reads
// defensively instead (§9 Open Questions: Codex's single hook may not
// supply enough data, so the handler never trusts payload shape there).
func validateHookData(eventType string, dataJSON string) error {
	schema, ok := hookDataSchemas[eventType]
	if !ok {
		return nil
	}
	var instance any
	if err := json.Unmarshal([]byte(dataJSON), &instance); err != nil {
		return fmt.Errorf("decode %s data: %w", eventType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s data failed schema validation: %w", eventType, err)
	}
	return nil
}
