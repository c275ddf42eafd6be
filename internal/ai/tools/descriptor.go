package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// QualifiedName namespaces a provider's local tool name.
func QualifiedName(provider, local string) string {
	return provider + "_" + local
}

// Descriptor is one tool in the capability map.
type Descriptor struct {
	Provider      string          `json:"provider"`
	LocalName     string          `json:"localName"`
	QualifiedName string          `json:"qualifiedName"`
	Description   string          `json:"description"`
	Schema        json.RawMessage `json:"parameterSchema"`

	schema   map[string]any
	resolved *jsonschema.Resolved
	required []string
}

// CapabilityMap is the flattened set of tools for one run, keyed by
// qualified name.
type CapabilityMap map[string]*Descriptor

// Sorted returns the descriptors ordered by qualified name.
func (m CapabilityMap) Sorted() []*Descriptor {
	out := make([]*Descriptor, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// NewDescriptor compiles a provider tool into a descriptor. An unparseable
// schema is not fatal: the tool is kept and only required fields are checked.
func NewDescriptor(provider string, tool RemoteTool) (*Descriptor, error) {
	if strings.TrimSpace(tool.Name) == "" {
		return nil, fmt.Errorf("provider %s listed a tool without a name", provider)
	}
	d := &Descriptor{
		Provider:      provider,
		LocalName:     tool.Name,
		QualifiedName: QualifiedName(provider, tool.Name),
		Description:   tool.Description,
	}

	schema, err := normalizeSchema(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", d.QualifiedName, err)
	}
	d.Schema = schema
	if err := json.Unmarshal(schema, &d.schema); err != nil {
		return nil, fmt.Errorf("tool %s: %w", d.QualifiedName, err)
	}
	if req, ok := d.schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				d.required = append(d.required, s)
			}
		}
	}

	resolved, err := compileSchema(schema)
	if err != nil {
		return d, fmt.Errorf("tool %s: schema not enforceable: %w", d.QualifiedName, err)
	}
	d.resolved = resolved
	return d, nil
}

// normalizeSchema makes the schema an object schema with a properties map,
// which both model APIs require.
func normalizeSchema(raw json.RawMessage) (json.RawMessage, error) {
	m := map[string]any{}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid input schema: %w", err)
		}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return json.Marshal(m)
}

// compileSchema resolves the schema for validation. Argument objects are
// closed: unless the provider says otherwise, unknown properties are rejected.
func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	// Providers declare a mix of drafts; validate with the library's default.
	s.Schema = ""
	if len(s.Properties) > 0 && s.AdditionalProperties == nil {
		s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	}
	return s.Resolve(nil)
}

// InputSchema returns the schema as a generic map for model tool definitions.
func (d *Descriptor) InputSchema() map[string]any {
	return d.schema
}

// Validate checks args against the declared parameter schema.
func (d *Descriptor) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if d.resolved == nil {
		for _, name := range d.required {
			if _, ok := args[name]; !ok {
				return fmt.Errorf("missing required property %q", name)
			}
		}
		return nil
	}
	// Round-trip so numbers and nested values have their JSON-decoded types.
	instance, err := normalizeInstance(args)
	if err != nil {
		return err
	}
	return d.resolved.Validate(instance)
}

func normalizeInstance(args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
