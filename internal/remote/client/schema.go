package client

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"framerelay/internal/remote"
)

// ValidateInputs checks inputs against a workflow's declared JSON schema. An
// empty schema accepts anything.
func ValidateInputs(workflowID string, schema json.RawMessage, inputs map[string]remote.Param) error {
	if err := remote.ValidateParams(inputs); err != nil {
		return err
	}
	if len(bytes.TrimSpace(schema)) == 0 || string(bytes.TrimSpace(schema)) == "null" {
		return nil
	}
	resourceID := "inmemory://workflows/" + workflowID
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	payload, err := normalizeDocument(remote.InputDocument(inputs))
	if err != nil {
		return fmt.Errorf("normalize inputs: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("inputs do not match schema: %w", err)
	}
	return nil
}

func normalizeDocument(doc map[string]any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
