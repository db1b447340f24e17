package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileToolSchema parses and compiles a Tool plugin's declared input
// schema, failing registration on a malformed document instead of
// failing every call that follows. It returns the decoded schema
// document, which the Plugin keeps as its ToolSchema.
func compileToolSchema(pluginName string, raw []byte) (map[string]interface{}, error) {
	var schemaDoc map[string]interface{}
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("sandbox: %s: unmarshal tool_schema: %w", pluginName, err)
	}

	c := jsonschema.NewCompiler()
	resourceID := pluginName + "-schema.json"
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, fmt.Errorf("sandbox: %s: add schema resource: %w", pluginName, err)
	}
	if _, err := c.Compile(resourceID); err != nil {
		return nil, fmt.Errorf("sandbox: %s: compile tool_schema: %w", pluginName, err)
	}
	return schemaDoc, nil
}

// ValidateToolInput re-validates a tool call's actual argument payload
// against the plugin's declared schema before the input ever reaches the
// WASM boundary; a plugin should not have to defend itself against
// malformed input the host could have rejected first.
func ValidateToolInput(plugin *Plugin, input []byte) error {
	if plugin.ToolSchema == nil {
		return nil
	}
	var payloadDoc any
	if err := json.Unmarshal(input, &payloadDoc); err != nil {
		return fmt.Errorf("sandbox: %s: unmarshal tool input: %w", plugin.Name, err)
	}

	c := jsonschema.NewCompiler()
	resourceID := plugin.Name + "-schema.json"
	if err := c.AddResource(resourceID, plugin.ToolSchema); err != nil {
		return fmt.Errorf("sandbox: %s: add schema resource: %w", plugin.Name, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("sandbox: %s: compile tool_schema: %w", plugin.Name, err)
	}
	return schema.Validate(payloadDoc)
}
