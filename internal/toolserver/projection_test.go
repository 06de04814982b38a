package toolserver

import (
	"encoding/json"
	"testing"
)

func TestStripUnsupportedSchemaKeys(t *testing.T) {
	in := json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","additionalProperties":false,"properties":{"a":{"type":"number"}}}`)
	out := stripUnsupportedSchemaKeys(in)

	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("stripped schema is not valid JSON: %v", err)
	}
	if _, ok := m["additionalProperties"]; ok {
		t.Errorf("additionalProperties should be stripped")
	}
	if _, ok := m["$schema"]; ok {
		t.Errorf("$schema should be stripped")
	}
	if m["type"] != "object" {
		t.Errorf("remaining keys must survive, got %v", m)
	}
}

func TestStripUnsupportedSchemaKeysPassesInvalidThrough(t *testing.T) {
	in := json.RawMessage(`not-json`)
	if got := stripUnsupportedSchemaKeys(in); string(got) != "not-json" {
		t.Errorf("invalid schema should pass through untouched, got %q", got)
	}
	if got := stripUnsupportedSchemaKeys(nil); got != nil {
		t.Errorf("nil schema should stay nil")
	}
}

func TestValidateToolSchema(t *testing.T) {
	if err := validateToolSchema(nil); err != nil {
		t.Errorf("empty schema must validate: %v", err)
	}
	if err := validateToolSchema([]byte(`{"type":"object","properties":{"a":{"type":"number"}}}`)); err != nil {
		t.Errorf("valid schema rejected: %v", err)
	}
	if err := validateToolSchema([]byte(`{"type":"not-a-type"}`)); err == nil {
		t.Errorf("invalid schema should be rejected")
	}
	if err := validateToolSchema([]byte(`{`)); err == nil {
		t.Errorf("malformed JSON should be rejected")
	}
}

func TestAsAgentToolsFiltersByName(t *testing.T) {
	m := NewManager(nil, nil)
	// No servers connected: the projection of any name set is empty.
	if tools := m.AsAgentTools([]string{"add"}); len(tools) != 0 {
		t.Errorf("expected no tools from an empty manager, got %d", len(tools))
	}
	if tools := m.AsAgentTools(nil); len(tools) != 0 {
		t.Errorf("expected no tools from an empty manager, got %d", len(tools))
	}
}
