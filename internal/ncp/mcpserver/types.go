package mcpserver

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FindInput is the argument schema for the find tool.
type FindInput struct {
	Query           string `json:"query" jsonschema_description:"Natural-language description of the capability being looked for."`
	Limit           int    `json:"limit,omitempty" jsonschema_description:"Maximum number of results to return. Defaults to 10."`
	IncludeDisabled bool   `json:"include_disabled,omitempty" jsonschema_description:"Include tools from endpoints currently marked disabled."`
}

// RunInput is the argument schema for the run tool.
type RunInput struct {
	Tool   string         `json:"tool" jsonschema_description:"Qualified tool identifier in \"endpoint:tool\" form, as returned by find."`
	Params map[string]any `json:"params,omitempty" jsonschema_description:"Parameters to pass to the tool, matching its input schema."`
}

// ListResourcesInput is the argument schema for the listResources tool.
type ListResourcesInput struct {
	Endpoints []string `json:"endpoints,omitempty" jsonschema_description:"Endpoint names to list resources from. Only the named endpoints are queried; an omitted or empty list returns no resources."`
}

// ListPromptsInput is the argument schema for the listPrompts tool.
type ListPromptsInput struct {
	Endpoints []string `json:"endpoints,omitempty" jsonschema_description:"Endpoint names to list prompts from. Only the named endpoints are queried; an omitted or empty list returns no prompts."`
}

// generateInputSchema reflects a Go struct into the raw JSON schema bytes
// mcp.NewToolWithRawSchema expects.
func generateInputSchema(inputType interface{}) ([]byte, error) {
	reflector := jsonschema.Reflector{}
	schema := reflector.Reflect(inputType)

	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return schemaBytes, nil
}
