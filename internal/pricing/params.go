package pricing

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidParams can be used with errors.Is to detect provider param
// validation failures.
var ErrInvalidParams = errors.New("invalid params")

// ParamsValidator checks provider params against a per-action JSON schema.
// Actions without a schema accept any JSON object.
type ParamsValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewParamsValidator compiles the embedded schemas, one file per canonical
// action code.
func NewParamsValidator() (*ParamsValidator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		code := strings.TrimSuffix(e.Name(), ".json")
		data, err := fs.ReadFile(schemaFS, "schemas/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		s, err := jsonschema.CompileString("https://timrx.live/schemas/"+code+".params", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", code, err)
		}
		schemas[code] = s
	}
	return &ParamsValidator{schemas: schemas}, nil
}

// Validate rejects params that do not match the action's schema.
func (v *ParamsValidator) Validate(actionCode string, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidParams, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return fmt.Errorf("%w: params must be a JSON object", ErrInvalidParams)
	}
	schema, ok := v.schemas[actionCode]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
