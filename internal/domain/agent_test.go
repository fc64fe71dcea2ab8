package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAgent() *Agent {
	schema := json.RawMessage(`{"type": "object"}`)
	return &Agent{
		Project:   "content",
		Name:      "copywriter",
		RiskClass: RiskAuto,
		Capabilities: []Capability{
			{Name: "copy.outline.draft", InputSchema: schema, OutputSchema: schema, TimeoutSec: 30},
			{Name: "copy.body.write", InputSchema: schema, OutputSchema: schema},
		},
	}
}

func TestAgentValidate(t *testing.T) {
	require.NoError(t, validAgent().Validate())
}

func TestAgentValidateRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Agent)
	}{
		{"empty name", func(a *Agent) { a.Name = "" }},
		{"unknown risk class", func(a *Agent) { a.RiskClass = "YOLO" }},
		{"no capabilities", func(a *Agent) { a.Capabilities = nil }},
		{"duplicate capability", func(a *Agent) {
			a.Capabilities = append(a.Capabilities, a.Capabilities[0])
		}},
		{"schema without type", func(a *Agent) {
			a.Capabilities[0].InputSchema = json.RawMessage(`{"fields": []}`)
		}},
		{"schema not an object", func(a *Agent) {
			a.Capabilities[0].OutputSchema = json.RawMessage(`"string"`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAgent()
			tt.mutate(a)
			require.ErrorIs(t, a.Validate(), ErrValidation)
		})
	}
}

func TestAgentCapabilityLookup(t *testing.T) {
	a := validAgent()

	cap, err := a.Capability("copy.body.write")
	require.NoError(t, err)
	assert.Equal(t, "copy.body.write", cap.Name)

	_, err = a.Capability("unknown.op")
	require.ErrorIs(t, err, ErrCapabilityMismatch)
}
