package providers

import "gateway-proxy/internal/models"

// OptionSet maps a provider namespace to its thinking options. Empty when
// the request did not ask for thinking.
type OptionSet map[string]map[string]any

// BuildOptions resolves the request's thinking directive into the target
// provider's native option shape. Pure function of its inputs. Models with
// no known budget range get the fixed fallback budget rather than being
// excluded.
//
// Precedence when shapes overlap: an explicit budget
// (thinking.budget_tokens, then thinking_budget) wins over
// reasoning_effort, which wins over a bare enable_thinking.
func BuildOptions(kind Kind, modelID string, th models.ThinkingDirective) OptionSet {
	enabled := false
	if th.Thinking != nil && th.Thinking.Type == "enabled" {
		enabled = true
	}
	if th.EnableThinking != nil && *th.EnableThinking {
		enabled = true
	}
	if th.Effort != "" {
		enabled = true
	}

	effort := th.Effort
	if effort == "" {
		if th.Thinking != nil && th.Thinking.Type == "enabled" {
			effort = "high"
		} else {
			effort = "medium"
		}
	}

	var budget int
	switch {
	case th.Thinking != nil && th.Thinking.BudgetTokens != nil:
		budget = *th.Thinking.BudgetTokens
	case th.ThinkingBudget != nil:
		budget = *th.ThinkingBudget
	default:
		budget = ThinkingBudget(modelID, effort)
	}

	if !enabled {
		return OptionSet{}
	}

	switch kind {
	case KindAnthropic:
		return OptionSet{kind.OptionKey(): anthropicOptions(budget)}
	case KindGoogle:
		return OptionSet{kind.OptionKey(): googleOptions(budget)}
	case KindXAI:
		return OptionSet{kind.OptionKey(): xaiOptions(effort)}
	default:
		// openai and the generic fallback accept only a qualitative level.
		return OptionSet{kind.OptionKey(): openaiOptions(effort)}
	}
}

func anthropicOptions(budget int) map[string]any {
	return map[string]any{
		"thinking": map[string]any{
			"type":         "enabled",
			"budgetTokens": budget,
		},
	}
}

func openaiOptions(effort string) map[string]any {
	return map[string]any{
		"reasoningEffort": effort,
	}
}

func googleOptions(budget int) map[string]any {
	return map[string]any{
		"thinkingConfig": map[string]any{
			"thinkingBudget":  budget,
			"includeThoughts": true,
		},
	}
}

// Grok distinguishes only two levels; everything above "low" is "high".
func xaiOptions(effort string) map[string]any {
	level := "high"
	if effort == "low" {
		level = "low"
	}
	return map[string]any{
		"reasoningEffort": level,
	}
}
