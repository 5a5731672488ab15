package llm

import (
	"testing"
)

func TestGeminiModelMapping(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"gemini-flash", "gemini-2.5-flash"},
		{"gemini-pro", "gemini-2.5-pro"},
		{"gemini-2.0-flash", "gemini-2.0-flash"}, // pass-through
	}
	for _, tt := range tests {
		if got := resolveModel(tt.input, geminiModels); got != tt.expected {
			t.Errorf("resolveModel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestBuildGeminiSchema(t *testing.T) {
	def := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hint":     map[string]any{"type": "string"},
			"urgency":  map[string]any{"type": "string", "enum": []any{"low", "high"}},
			"priority": map[string]any{"type": "integer"},
			"nextSteps": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"hint"},
	}

	schema := buildGeminiSchema(def)

	if schema.Type != "OBJECT" {
		t.Fatalf("expected OBJECT type, got %s", schema.Type)
	}
	if len(schema.Properties) != 4 {
		t.Fatalf("expected 4 properties, got %d", len(schema.Properties))
	}
	if schema.Properties["priority"].Type != "INTEGER" {
		t.Fatalf("expected INTEGER for priority, got %s", schema.Properties["priority"].Type)
	}
	if len(schema.Properties["urgency"].Enum) != 2 {
		t.Fatalf("expected 2 enum values, got %d", len(schema.Properties["urgency"].Enum))
	}
	if schema.Properties["nextSteps"].Items.Type != "STRING" {
		t.Fatalf("expected STRING items, got %s", schema.Properties["nextSteps"].Items.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "hint" {
		t.Fatalf("unexpected required: %v", schema.Required)
	}
}
