// Package providers maps model identifiers onto upstream vendors and builds
// the vendor-specific thinking options for a request.
package providers

import "strings"

// Kind identifies one upstream vendor integration.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindGoogle    Kind = "google"
	KindXAI       Kind = "xai"
	// KindDefault is the generic OpenAI-compatible fallback for unknown models.
	KindDefault Kind = "default"
)

// PathSegment returns the provider path component appended to the upstream
// base URL. The default kind rides the openai route.
func (k Kind) PathSegment() string {
	if k == KindDefault {
		return string(KindOpenAI)
	}
	return string(k)
}

// OptionKey returns the providerOptions namespace for the kind.
func (k Kind) OptionKey() string {
	if k == KindDefault {
		return string(KindOpenAI)
	}
	return string(k)
}

// ThinkingRange bounds the thinking-token budget for a model.
type ThinkingRange struct {
	Min int
	Max int
}

type kindMatch struct {
	substr string
	kind   Kind
}

// Declaration order is the tie-break when substrings overlap; first
// containment match wins. Short aliases ("o1", "o3") sit last so the
// longer vendor names cannot be shadowed.
var kindTable = []kindMatch{
	{"anthropic/", KindAnthropic},
	{"claude", KindAnthropic},
	{"google/", KindGoogle},
	{"gemini", KindGoogle},
	{"xai/", KindXAI},
	{"grok", KindXAI},
	{"openai/", KindOpenAI},
	{"gpt", KindOpenAI},
	{"o1", KindOpenAI},
	{"o3", KindOpenAI},
	{"o4", KindOpenAI},
}

type rangeMatch struct {
	substr string
	rng    ThinkingRange
}

// Thinking-capable models and their budget bounds. Containment match in
// declaration order; models absent here do not support thinking.
var rangeTable = []rangeMatch{
	{"claude-sonnet-4", ThinkingRange{Min: 1024, Max: 16000}},
	{"claude-opus-4", ThinkingRange{Min: 1024, Max: 32000}},
	{"gemini-2.5-pro", ThinkingRange{Min: 1024, Max: 65536}},
	{"gemini-2.5-flash", ThinkingRange{Min: 1024, Max: 65536}},
	{"grok-3", ThinkingRange{Min: 1024, Max: 16384}},
	{"o1-mini", ThinkingRange{Min: 1024, Max: 65536}},
	{"o1", ThinkingRange{Min: 1024, Max: 100000}},
	{"o3-mini", ThinkingRange{Min: 1024, Max: 65536}},
	{"o3", ThinkingRange{Min: 1024, Max: 100000}},
	{"o4-mini", ThinkingRange{Min: 1024, Max: 100000}},
}

// fallbackBudget is used when a thinking budget must be produced for a
// model with no known range.
const fallbackBudget = 8192

// effortRatio positions an effort level within a model's budget range.
var effortRatio = map[string]float64{
	"low":    0.25,
	"medium": 0.5,
	"high":   0.75,
	"auto":   0.5,
}

// Detect maps a model identifier to its provider. Unknown models fall back
// to the generic OpenAI-compatible provider.
func Detect(modelID string) Kind {
	lower := strings.ToLower(modelID)
	for _, m := range kindTable {
		if strings.Contains(lower, m.substr) {
			return m.kind
		}
	}
	return KindDefault
}

// RangeFor returns the thinking budget range for a model, if known.
func RangeFor(modelID string) (ThinkingRange, bool) {
	lower := strings.ToLower(modelID)
	for _, m := range rangeTable {
		if strings.Contains(lower, m.substr) {
			return m.rng, true
		}
	}
	return ThinkingRange{}, false
}

// SupportsThinking reports whether the model has a known thinking range.
func SupportsThinking(modelID string) bool {
	_, ok := RangeFor(modelID)
	return ok
}

// ThinkingBudget interpolates a token budget from the model's range and the
// effort level: min + (max-min)*ratio, floored. Models without a known
// range get the fixed fallback.
func ThinkingBudget(modelID, effort string) int {
	rng, ok := RangeFor(modelID)
	if !ok {
		return fallbackBudget
	}
	ratio, ok := effortRatio[effort]
	if !ok {
		ratio = effortRatio["medium"]
	}
	return rng.Min + int(float64(rng.Max-rng.Min)*ratio)
}
