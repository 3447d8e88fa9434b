package models

// Message represents a single conversational message in the unified schema.
// Content carries plain text; Parts is set instead when the message arrived
// as a list of typed segments (text and image-by-URL).
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
	Name    string
}

// ContentPart is one typed segment of a multimodal message.
type ContentPart struct {
	Type     string // "text" or "image_url"
	Text     string
	ImageURL string
}

// ThinkingDirective captures the three inbound shapes a reasoning hint can
// take. At most one of them is authoritative; precedence is resolved by the
// options builder, not here.
type ThinkingDirective struct {
	Effort         string // reasoning_effort: low | medium | high | auto
	Thinking       *ThinkingObject
	EnableThinking *bool
	ThinkingBudget *int
}

// ThinkingObject mirrors the {type, budget_tokens} request shape.
type ThinkingObject struct {
	Type         string
	BudgetTokens *int
}

// Empty reports whether no thinking shape was present on the request.
func (d ThinkingDirective) Empty() bool {
	return d.Effort == "" && d.Thinking == nil && d.EnableThinking == nil && d.ThinkingBudget == nil
}

// UnifiedChatRequest is the canonical representation of a chat completion.
type UnifiedChatRequest struct {
	Model            string
	Messages         []Message
	Stream           bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Seed             *int64
	Thinking         ThinkingDirective
}

// UnifiedChatResponse captures an upstream response in the unified schema.
type UnifiedChatResponse struct {
	Message      Message
	Usage        Usage
	FinishReason string
	ID           string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamEvent is one increment of a streaming upstream response. Exactly one
// event carries Done=true; Err terminates the stream early.
type StreamEvent struct {
	Text  string
	Done  bool
	Usage *Usage
	Err   error
}
