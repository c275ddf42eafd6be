package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptorNormalizesSchema(t *testing.T) {
	d, err := NewDescriptor("wifi", RemoteTool{Name: "scan", Description: "List networks"})
	require.NoError(t, err)

	assert.Equal(t, "wifi_scan", d.QualifiedName)
	assert.Equal(t, "object", d.InputSchema()["type"])
	assert.NotNil(t, d.InputSchema()["properties"])
	assert.NoError(t, d.Validate(nil))
}

func TestNewDescriptorRejectsNamelessTool(t *testing.T) {
	d, err := NewDescriptor("wifi", RemoteTool{Name: " "})
	assert.Nil(t, d)
	assert.Error(t, err)
}

func TestDescriptorRespectsExplicitAdditionalProperties(t *testing.T) {
	d, err := NewDescriptor("gw", RemoteTool{
		Name:        "inspect",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"ip":{"type":"string"}},"additionalProperties":true}`),
	})
	require.NoError(t, err)
	assert.NoError(t, d.Validate(map[string]any{"ip": "192.168.1.1", "verbose": true}))
}

func TestDescriptorValidatesNestedAndEnum(t *testing.T) {
	d, err := NewDescriptor("capture", RemoteTool{
		Name: "start_capture",
		InputSchema: json.RawMessage(`{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"properties": {
				"target": {"type": "string"},
				"duration": {"type": "number", "maximum": 3600},
				"mode": {"type": "string", "enum": ["auto", "dns", "http"]}
			},
			"required": ["target"]
		}`),
	})
	require.NoError(t, err)

	assert.NoError(t, d.Validate(map[string]any{"target": "sina.com", "duration": 30, "mode": "auto"}))
	assert.Error(t, d.Validate(map[string]any{"target": "sina.com", "mode": "tcp"}))
	assert.Error(t, d.Validate(map[string]any{"target": "sina.com", "duration": 7200}))
	assert.Error(t, d.Validate(map[string]any{"duration": 30}))
}

func TestDescriptorFallsBackToRequiredCheck(t *testing.T) {
	d, err := NewDescriptor("x", RemoteTool{
		Name:        "y",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"$ref":"https://example.invalid/a.json"}},"required":["a"]}`),
	})
	require.NotNil(t, d)
	if err == nil {
		t.Skip("schema library resolved the remote reference")
	}
	assert.Error(t, d.Validate(map[string]any{}))
	assert.NoError(t, d.Validate(map[string]any{"a": 1}))
}

func TestNewDescriptorRejectsInvalidSchemaJSON(t *testing.T) {
	d, err := NewDescriptor("x", RemoteTool{Name: "y", InputSchema: json.RawMessage(`{not json`)})
	assert.Nil(t, d)
	assert.Error(t, err)
}
