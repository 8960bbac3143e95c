package yepcode

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

const parametersSchemaURL = "https://yepcode.local/schemas/parameters.json"

// ValidateParameters checks parameters against a process parametersSchema.
// Property-level boolean "required" flags are honoured alongside the standard required list.
func ValidateParameters(schema map[string]any, parameters map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	doc, err := normalizeSchema(schema)
	if err != nil {
		return &sdkerrors.PayloadError{Reason: "parameters schema", Err: err}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(parametersSchemaURL, doc); err != nil {
		return &sdkerrors.PayloadError{Reason: "parameters schema", Err: err}
	}
	compiled, err := compiler.Compile(parametersSchemaURL)
	if err != nil {
		return &sdkerrors.PayloadError{Reason: "parameters schema", Err: err}
	}

	instance, err := roundTrip(parameters)
	if err != nil {
		return &sdkerrors.PayloadError{Reason: "encode parameters", Err: err}
	}
	if instance == nil {
		instance = map[string]any{}
	}

	if err := compiled.Validate(instance); err != nil {
		return &sdkerrors.PayloadError{Reason: "parameters do not match process schema", Err: err}
	}
	return nil
}

// normalizeSchema returns a JSON-native copy of schema with boolean property
// "required" flags folded into the object's required list.
func normalizeSchema(schema map[string]any) (any, error) {
	copied, err := roundTrip(schema)
	if err != nil {
		return nil, err
	}
	root, ok := copied.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema must be an object")
	}
	foldRequired(root)
	return root, nil
}

func foldRequired(node map[string]any) {
	properties, ok := node["properties"].(map[string]any)
	if !ok {
		return
	}

	var required []any
	if list, ok := node["required"].([]any); ok {
		required = list
	}
	seen := map[string]bool{}
	for _, r := range required {
		if s, ok := r.(string); ok {
			seen[s] = true
		}
	}

	for key, raw := range properties {
		property, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if flag, isBool := property["required"].(bool); isBool {
			delete(property, "required")
			if flag && !seen[key] {
				required = append(required, key)
				seen[key] = true
			}
		}
		foldRequired(property)
	}

	if required != nil {
		node["required"] = required
	}
}

func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
