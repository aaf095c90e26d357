package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regen-network/koi/pkg/ledger"
)

// recipeSchemas holds the static JSON Schema for each stage's recipe
// parameters, keyed by stage name. A stage with no parameters worth
// constraining (markdown) is absent from the map and skips validation.
var recipeSchemas = map[string]string{
	StageChunk: `{
		"type": "object",
		"required": ["targetTokens", "overlap"],
		"properties": {
			"targetTokens": {"type": "integer", "minimum": 1},
			"overlap": {"type": "integer", "minimum": 0}
		}
	}`,
	StageExtract: `{
		"type": "object",
		"required": ["ontologyRid"],
		"properties": {
			"ontologyRid": {"type": "string", "minLength": 1}
		}
	}`,
	StageDedup: `{
		"type": "object",
		"properties": {
			"similarity": {"type": "number", "minimum": 0, "maximum": 1},
			"matchedRid": {"type": "string"}
		}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[string]*jsonschema.Schema
	compileErr      error
)

func compiledRecipeSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		compiledSchemas = make(map[string]*jsonschema.Schema, len(recipeSchemas))
		for stage, raw := range recipeSchemas {
			url := fmt.Sprintf("https://koi.schemas.local/recipe/%s.schema.json", stage)
			if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("pipeline: load recipe schema for %s: %w", stage, err)
				return
			}
			schema, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("pipeline: compile recipe schema for %s: %w", stage, err)
				return
			}
			compiledSchemas[stage] = schema
		}
	})
	return compiledSchemas, compileErr
}

// validateRecipe checks recipe.Parameters against the stage's static
// recipeSchema, if one is registered. Enrich and Embed carry a model
// identifier rather than a parameter bag, and Normalize/Markdown have no
// stage-specific parameters, so those stages have no registered schema and
// pass unconditionally.
func validateRecipe(recipe ledger.Recipe) error {
	schemas, err := compiledRecipeSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[recipe.Stage]
	if !ok {
		return nil
	}

	params := recipe.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("pipeline: recipe params for stage %s failed schema validation: %w", recipe.Stage, err)
	}
	return nil
}
