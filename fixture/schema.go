package fixture

import (
	"fmt"
	"strings"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/agent-e2e/model"
	"github.com/xeipuuv/gojsonschema"
)

var assertionSchema = map[string]any{
	"type":     "object",
	"required": []string{"type"},
	"properties": map[string]any{
		"type": map[string]any{
			"type": "string",
			"enum": slices.Map(model.AssertionKinds, func(k model.AssertionKind) string { return string(k) }),
		},
		"value":  map[string]any{"type": []string{"string", "number"}},
		"values": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"additionalProperties": false,
}

var assertionList = map[string]any{
	"type":  "array",
	"items": assertionSchema,
}

// fixtureSchema describes one category file. Single-turn and multi-turn
// cases are mutually exclusive: exactly one of prompt and turns is required.
var fixtureSchema = map[string]any{
	"$schema":  "http://json-schema.org/draft-07/schema#",
	"type":     "object",
	"required": []string{"tests"},
	"properties": map[string]any{
		"category":    map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
		"tests": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"name"},
				"properties": map[string]any{
					"name":   map[string]any{"type": "string", "minLength": 1},
					"prompt": map[string]any{"type": "string", "minLength": 1},
					"turns": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type":     "object",
							"required": []string{"prompt"},
							"properties": map[string]any{
								"prompt":     map[string]any{"type": "string", "minLength": 1},
								"assertions": assertionList,
							},
							"additionalProperties": false,
						},
					},
					"assertions":      assertionList,
					"estimatedTokens": map[string]any{"type": "integer", "minimum": 0},
					"note":            map[string]any{"type": "string"},
				},
				"oneOf": []any{
					map[string]any{"required": []string{"prompt"}},
					map[string]any{"required": []string{"turns"}},
				},
				"additionalProperties": false,
			},
		},
	},
}

// Validate checks a decoded fixture document against the fixture schema.
func Validate(doc any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(fixtureSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	details := slices.Map(result.Errors(), func(desc gojsonschema.ResultError) string {
		return desc.String()
	})
	return fmt.Errorf("fixture failed validation: %s", strings.Join(details, "; "))
}

// Kinds that read Value, and kinds that read Values.
var (
	scalarKinds = []model.AssertionKind{
		model.MinLength, model.MaxLength, model.ContainsText, model.MatchesPattern, model.NotContains,
	}
	setKinds = []model.AssertionKind{model.ContainsAny, model.ContainsAll}
)

func checkOperands(testName string, assertions []model.Assertion) error {
	for _, a := range assertions {
		switch {
		case slices.Contains(scalarKinds, a.Type) && a.Value == "":
			return fmt.Errorf("test %q: %s requires a value", testName, a.Type)
		case slices.Contains(setKinds, a.Type) && len(a.Values) == 0:
			return fmt.Errorf("test %q: %s requires values", testName, a.Type)
		}
	}
	return nil
}
