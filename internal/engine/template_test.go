package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentflow-engine/internal/domain"
)

func renderToMap(t *testing.T, input map[string]interface{}, outputs map[string]json.RawMessage, trigger map[string]interface{}) map[string]interface{} {
	t.Helper()
	raw, err := RenderInput(input, outputs, trigger)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestRenderInputWholeRefKeepsType(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"outline": json.RawMessage(`{"sections": ["hook", "body"], "score": 0.9}`),
	}

	got := renderToMap(t, map[string]interface{}{
		"sections": "{{nodes.outline.sections}}",
		"score":    "{{nodes.outline.score}}",
	}, outputs, nil)

	// Объект остался объектом, число числом
	assert.Equal(t, []interface{}{"hook", "body"}, got["sections"])
	assert.Equal(t, 0.9, got["score"])
}

func TestRenderInputEmbeddedRefStringifies(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"review": json.RawMessage(`{"quality": 0.87, "verdict": "ok"}`),
	}

	got := renderToMap(t, map[string]interface{}{
		"summary": "quality={{nodes.review.quality}} verdict={{nodes.review.verdict}}",
	}, outputs, nil)

	assert.Equal(t, "quality=0.87 verdict=ok", got["summary"])
}

func TestRenderInputTriggerContext(t *testing.T) {
	trigger := map[string]interface{}{
		"subject": "hub.proj42.repo.pushed",
		"payload": map[string]interface{}{"branch": "main"},
	}

	got := renderToMap(t, map[string]interface{}{
		"subject": "{{trigger.subject}}",
		"branch":  "{{trigger.payload.branch}}",
	}, nil, trigger)

	assert.Equal(t, "hub.proj42.repo.pushed", got["subject"])
	assert.Equal(t, "main", got["branch"])
}

func TestRenderInputNestedStructures(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"draft": json.RawMessage(`{"words": 420}`),
	}

	got := renderToMap(t, map[string]interface{}{
		"meta": map[string]interface{}{
			"words": "{{nodes.draft.words}}",
			"tags":  []interface{}{"static", "{{nodes.draft.words}}"},
		},
	}, outputs, nil)

	meta := got["meta"].(map[string]interface{})
	assert.Equal(t, float64(420), meta["words"])
	assert.Equal(t, []interface{}{"static", "420"}, meta["tags"])
}

func TestRenderInputUnresolvedRefFails(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"unknown node", map[string]interface{}{"v": "{{nodes.ghost.field}}"}},
		{"missing path", map[string]interface{}{"v": "{{nodes.draft.missing}}"}},
		{"unknown root", map[string]interface{}{"v": "{{secrets.token}}"}},
		{"missing trigger key", map[string]interface{}{"v": "{{trigger.absent}}"}},
	}

	outputs := map[string]json.RawMessage{"draft": json.RawMessage(`{"words": 420}`)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RenderInput(tt.input, outputs, map[string]interface{}{})
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestRenderInputArrayIndex(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"outline": json.RawMessage(`{"sections": ["hook", "body", "cta"]}`),
	}

	got := renderToMap(t, map[string]interface{}{
		"first": "{{nodes.outline.sections.0}}",
	}, outputs, nil)

	assert.Equal(t, "hook", got["first"])
}

func TestRenderInputPlainValuesUntouched(t *testing.T) {
	got := renderToMap(t, map[string]interface{}{
		"title": "no refs here",
		"count": float64(3),
		"flag":  true,
	}, nil, nil)

	assert.Equal(t, "no refs here", got["title"])
	assert.Equal(t, float64(3), got["count"])
	assert.Equal(t, true, got["flag"])
}
