package oracle

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pancakes/internal/market"
)

func compileSchema(kind string, doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(kind+".schema.json", string(b))
}

func menuSchema(req MenuRequest) map[string]any {
	previous := make(map[int64]struct{}, len(req.PreviousMenu))
	for _, id := range req.PreviousMenu {
		previous[id] = struct{}{}
	}
	var catalogNames, keepNames []any
	for _, t := range req.Catalog {
		catalogNames = append(catalogNames, t.Name)
		if _, ok := previous[t.ID]; ok {
			keepNames = append(keepNames, t.Name)
		}
	}

	keep := map[string]any{
		"type":        "array",
		"uniqueItems": true,
		"maxItems":    req.MenuSize,
	}
	if len(keepNames) > 0 {
		keep["items"] = map[string]any{"type": "string", "enum": keepNames}
	} else {
		keep["maxItems"] = 0
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoning":     map[string]any{"type": "string"},
			"keep_toppings": keep,
			"wanted_toppings": map[string]any{
				"type":        "array",
				"uniqueItems": true,
				"items":       map[string]any{"type": "string", "enum": catalogNames},
			},
			"fluffiness": map[string]any{
				"type":    "integer",
				"minimum": market.MinFluffiness,
				"maximum": market.MaxFluffiness,
			},
		},
		"required":             []any{"reasoning", "keep_toppings", "wanted_toppings", "fluffiness"},
		"additionalProperties": false,
	}
}

func choiceSchema(req ChoiceRequest) map[string]any {
	labels := make([]any, 0, len(req.Options))
	for _, o := range req.Options {
		labels = append(labels, o.Label)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoning":       map[string]any{"type": "string"},
			"chosen_producer": map[string]any{"type": "string", "enum": labels},
			"enticement_score": map[string]any{
				"type":    "integer",
				"minimum": market.MinEnticement,
				"maximum": market.MaxEnticement,
			},
		},
		"required":             []any{"reasoning", "chosen_producer", "enticement_score"},
		"additionalProperties": false,
	}
}
