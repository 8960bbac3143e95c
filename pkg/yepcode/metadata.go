package yepcode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/wehubfusion/yepcode-connector/pkg/transport"
)

// Process is a deployed process
type Process struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Slug             string         `json:"slug,omitempty"`
	Description      string         `json:"description,omitempty"`
	ParametersSchema map[string]any `json:"parametersSchema,omitempty"`
}

// ProcessVersion is a published version of a process
type ProcessVersion struct {
	ID        string `json:"id"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// VersionAlias is a named pointer to a process version
type VersionAlias struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	VersionID string `json:"versionId"`
}

type page[T any] struct {
	Data []T `json:"data"`
}

// Option is a selectable value for a host UI
type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FieldType is the host-side type of a form field
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
)

// FormField describes one process parameter in host terms
type FormField struct {
	ID           string    `json:"id"`
	Type         FieldType `json:"type"`
	DisplayName  string    `json:"displayName"`
	Required     bool      `json:"required"`
	DefaultMatch bool      `json:"defaultMatch"`
	Display      bool      `json:"display"`
}

// ListProcesses returns the processes visible to the credential
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var out page[Process]
	if err := c.get(ctx, "processes", &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetProcess returns a process including its parameters schema
func (c *Client) GetProcess(ctx context.Context, processID string) (*Process, error) {
	var out Process
	if err := c.get(ctx, "processes/"+url.PathEscape(processID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProcessVersions returns the published versions of a process
func (c *Client) ListProcessVersions(ctx context.Context, processID string) ([]ProcessVersion, error) {
	var out page[ProcessVersion]
	if err := c.get(ctx, fmt.Sprintf("processes/%s/versions", url.PathEscape(processID)), &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListProcessVersionAliases returns the version aliases of a process
func (c *Client) ListProcessVersionAliases(ctx context.Context, processID string) ([]VersionAlias, error) {
	var out page[VersionAlias]
	if err := c.get(ctx, fmt.Sprintf("processes/%s/aliases", url.PathEscape(processID)), &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ProcessOptions lists processes as name/id options
func (c *Client) ProcessOptions(ctx context.Context) ([]Option, error) {
	processes, err := c.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	options := make([]Option, 0, len(processes))
	for _, p := range processes {
		options = append(options, Option{Name: p.Name, Value: p.ID})
	}
	return options, nil
}

// VersionOptions lists the runnable versions of a process: the current version
// first, then published versions, then aliases labelled with their target.
func (c *Client) VersionOptions(ctx context.Context, processID string) ([]Option, error) {
	options := []Option{{Name: CurrentVersion, Value: CurrentVersion}}
	if processID == "" {
		return options, nil
	}

	versions, err := c.ListProcessVersions(ctx, processID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		options = append(options, Option{Name: v.ID, Value: v.ID})
	}

	aliases, err := c.ListProcessVersionAliases(ctx, processID)
	if err != nil {
		return nil, err
	}
	for _, a := range aliases {
		options = append(options, Option{Name: fmt.Sprintf("%s (%s)", a.Name, a.VersionID), Value: a.VersionID})
	}
	return options, nil
}

// FormFields maps the process parameters schema to form fields, sorted by id
func (c *Client) FormFields(ctx context.Context, processID string) ([]FormField, error) {
	if processID == "" {
		return []FormField{}, nil
	}
	process, err := c.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	return SchemaFields(process.ParametersSchema), nil
}

// SchemaFields maps the properties of a JSON schema to form fields
func SchemaFields(schema map[string]any) []FormField {
	properties, _ := schema["properties"].(map[string]any)
	if len(properties) == 0 {
		return []FormField{}
	}

	requiredSet := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, name := range list {
			if s, ok := name.(string); ok {
				requiredSet[s] = true
			}
		}
	}

	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]FormField, 0, len(keys))
	for _, key := range keys {
		property, _ := properties[key].(map[string]any)

		displayName := key
		if title, ok := property["title"].(string); ok && title != "" {
			displayName = title
		}
		required, _ := property["required"].(bool)
		propType, _ := property["type"].(string)

		fields = append(fields, FormField{
			ID:           key,
			Type:         mapSchemaType(propType),
			DisplayName:  displayName,
			Required:     required || requiredSet[key],
			DefaultMatch: true,
			Display:      true,
		})
	}
	return fields
}

func mapSchemaType(t string) FieldType {
	switch t {
	case "string":
		return FieldString
	case "number", "integer":
		return FieldNumber
	case "boolean":
		return FieldBoolean
	case "object":
		return FieldObject
	default:
		return FieldString
	}
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	resp, err := c.api.Do(ctx, transport.Request{Method: http.MethodGet, Endpoint: endpoint})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
