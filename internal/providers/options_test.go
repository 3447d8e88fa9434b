package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway-proxy/internal/models"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestBuildOptionsNoDirective(t *testing.T) {
	opts := BuildOptions(KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{})
	assert.Empty(t, opts)
}

func TestBuildOptionsUnknownRangeUsesFallback(t *testing.T) {
	// Models without a known budget range still honor the directive: the
	// openai shape carries the effort level as-is and the anthropic shape
	// gets the fixed fallback budget.
	opts := BuildOptions(KindOpenAI, "unknown-model-xyz", models.ThinkingDirective{Effort: "high"})
	require.Contains(t, opts, "openai")
	assert.Equal(t, map[string]any{"reasoningEffort": "high"}, opts["openai"])

	opts = BuildOptions(KindAnthropic, "claude-2", models.ThinkingDirective{Effort: "high"})
	require.Contains(t, opts, "anthropic")
	assert.Equal(t, map[string]any{
		"thinking": map[string]any{
			"type":         "enabled",
			"budgetTokens": 8192,
		},
	}, opts["anthropic"])
}

func TestBuildOptionsAnthropicEffort(t *testing.T) {
	opts := BuildOptions(KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{Effort: "medium"})

	require.Contains(t, opts, "anthropic")
	assert.Equal(t, map[string]any{
		"thinking": map[string]any{
			"type":         "enabled",
			"budgetTokens": 8512,
		},
	}, opts["anthropic"])
}

func TestBuildOptionsThinkingObjectDefaultsToHigh(t *testing.T) {
	opts := BuildOptions(KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{
		Thinking: &models.ThinkingObject{Type: "enabled"},
	})

	require.Contains(t, opts, "anthropic")
	thinking := opts["anthropic"]["thinking"].(map[string]any)
	assert.Equal(t, 12256, thinking["budgetTokens"], "enabled without effort means high")
}

func TestBuildOptionsExplicitBudgetWins(t *testing.T) {
	opts := BuildOptions(KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{
		Effort:   "low",
		Thinking: &models.ThinkingObject{Type: "enabled", BudgetTokens: intPtr(2048)},
	})

	thinking := opts["anthropic"]["thinking"].(map[string]any)
	assert.Equal(t, 2048, thinking["budgetTokens"])
}

func TestBuildOptionsThinkingBudgetField(t *testing.T) {
	opts := BuildOptions(KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{
		EnableThinking: boolPtr(true),
		ThinkingBudget: intPtr(5000),
	})

	thinking := opts["anthropic"]["thinking"].(map[string]any)
	assert.Equal(t, 5000, thinking["budgetTokens"])
}

func TestBuildOptionsEnableThinkingDefaultsToMedium(t *testing.T) {
	opts := BuildOptions(KindOpenAI, "o3", models.ThinkingDirective{EnableThinking: boolPtr(true)})

	require.Contains(t, opts, "openai")
	assert.Equal(t, map[string]any{"reasoningEffort": "medium"}, opts["openai"])
}

func TestBuildOptionsEnableThinkingFalse(t *testing.T) {
	opts := BuildOptions(KindOpenAI, "o3", models.ThinkingDirective{EnableThinking: boolPtr(false)})
	assert.Empty(t, opts)
}

func TestBuildOptionsGoogleShape(t *testing.T) {
	opts := BuildOptions(KindGoogle, "gemini-2.5-flash", models.ThinkingDirective{Effort: "medium"})

	require.Contains(t, opts, "google")
	assert.Equal(t, map[string]any{
		"thinkingConfig": map[string]any{
			"thinkingBudget":  33280,
			"includeThoughts": true,
		},
	}, opts["google"])
}

func TestBuildOptionsXAICollapse(t *testing.T) {
	for _, effort := range []string{"medium", "high", "auto"} {
		opts := BuildOptions(KindXAI, "grok-3", models.ThinkingDirective{Effort: effort})
		require.Contains(t, opts, "xai", effort)
		assert.Equal(t, map[string]any{"reasoningEffort": "high"}, opts["xai"], effort)
	}

	opts := BuildOptions(KindXAI, "grok-3", models.ThinkingDirective{Effort: "low"})
	assert.Equal(t, map[string]any{"reasoningEffort": "low"}, opts["xai"])
}

func TestBuildOptionsDefaultKindUsesOpenAINamespace(t *testing.T) {
	opts := BuildOptions(KindDefault, "o3", models.ThinkingDirective{Effort: "high"})

	require.Contains(t, opts, "openai")
	assert.Equal(t, map[string]any{"reasoningEffort": "high"}, opts["openai"])
}
