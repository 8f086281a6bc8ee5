package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// artPromptSchema constrains what the model may return for a prompt request
var artPromptSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":       map[string]any{"type": "string", "minLength": 1},
		"description": map[string]any{"type": "string"},
		"prompt":      map[string]any{"type": "string", "minLength": 1},
		"tags": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"title", "prompt"},
}

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func promptSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		b, err := json.Marshal(artPromptSchema)
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("art_prompt.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("art_prompt.json")
	})
	return compiledSchema, compileErr
}

// parseArtPrompt parses the JSON prompt response from a model
func parseArtPrompt(text string) (*ArtPrompt, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	raw := []byte(text[startIdx : endIdx+1])

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	schema, err := promptSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}

	var prompt ArtPrompt
	if err := json.Unmarshal(raw, &prompt); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	prompt.Title = strings.TrimSpace(prompt.Title)
	prompt.Description = strings.TrimSpace(prompt.Description)
	if prompt.Tags == nil {
		prompt.Tags = []string{}
	}

	return &prompt, nil
}
