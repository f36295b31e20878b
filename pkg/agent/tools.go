package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// LiveLookupTool is the only tool the router declares.
const LiveLookupTool = "live_lookup"

// LookupFunc answers a live_lookup query. The returned text is handed back to
// the model as the tool result.
type LookupFunc func(ctx context.Context, query string) (string, error)

var liveLookupSpec = ToolSpec{
	Name:        LiveLookupTool,
	Description: "Look up current, real-world information (news, prices, weather, facts that change over time).",
	Parameters: map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look up, phrased as a search query.",
				"minLength":   1,
			},
		},
		"required": []string{"query"},
	},
}

var liveLookupSchema = mustCompileSchema(liveLookupSpec.Parameters)

func mustCompileSchema(schema map[string]interface{}) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("invalid tool schema: %v", err))
	}
	return s
}

// validateToolCall checks a tool call against the declared schema.
func validateToolCall(call ToolCall) error {
	if call.Name != LiveLookupTool {
		return fmt.Errorf("unknown tool %q", call.Name)
	}
	params := call.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := liveLookupSchema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// syntheticLookup is used when no lookup backend is wired.
func syntheticLookup(_ context.Context, query string) (string, error) {
	return fmt.Sprintf("Live lookup for %q is not available right now. Answer from what you already know and say that the information may be out of date.", query), nil
}
