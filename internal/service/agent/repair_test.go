package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== RepairArguments 测试 ==========

func TestRepairArguments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{"empty", "  ", map[string]any{}},
		{"valid object", `{"query":"gold"}`, map[string]any{"query": "gold"}},
		{"json fence", "```json\n{\"query\":\"gold\"}\n```", map[string]any{"query": "gold"}},
		{"plain fence", "```\n{\"query\":\"gold\"}\n```", map[string]any{"query": "gold"}},
		{"function call markers", `<|FunctionCallBegin|>{"query":"gold"}<|FunctionCallEnd|>`, map[string]any{"query": "gold"}},
		{"surrounding prose", `Here are the arguments: {"query":"gold"} hope that helps`, map[string]any{"query": "gold"}},
		{"trailing comma", `{"query":"gold","top_k":3,}`, map[string]any{"query": "gold", "top_k": float64(3)}},
		{"single quotes", `{'query': 'gold'}`, map[string]any{"query": "gold"}},
		{"missing closing brace", `{"query":"gold"`, map[string]any{"query": "gold"}},
		{"missing opening brace", `"query":"gold"}`, map[string]any{"query": "gold"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := RepairArguments(tt.input)
			var got map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &got), out)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepairArgumentsKeepsValidInput(t *testing.T) {
	in := `{"response":"a {nested} brace","sources":[]}`
	assert.Equal(t, in, RepairArguments(in))
}
