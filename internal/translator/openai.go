// Package translator converts between the OpenAI wire format and the
// unified request/response schema.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gateway-proxy/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
	"tool":      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload,
// including the three thinking-directive shapes clients send.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	Stream           bool
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Seed             *int64
	ReasoningEffort  string
	Thinking         *ThinkingObject
	EnableThinking   *bool
	ThinkingBudget   *int
}

// ThinkingObject mirrors the {"type": ..., "budget_tokens": ...} shape.
type ThinkingObject struct {
	Type         string `json:"type"`
	BudgetTokens *int   `json:"budget_tokens"`
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string          `json:"model"`
		Messages         []ChatMessage   `json:"messages"`
		Stream           bool            `json:"stream"`
		MaxTokens        *int            `json:"max_tokens"`
		Temperature      *float64        `json:"temperature"`
		TopP             *float64        `json:"top_p"`
		FrequencyPenalty *float64        `json:"frequency_penalty"`
		PresencePenalty  *float64        `json:"presence_penalty"`
		Stop             json.RawMessage `json:"stop"`
		Seed             *int64          `json:"seed"`
		ReasoningEffort  string          `json:"reasoning_effort"`
		Thinking         *ThinkingObject `json:"thinking"`
		EnableThinking   *bool           `json:"enable_thinking"`
		ThinkingBudget   *int            `json:"thinking_budget"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Stop = stopValues
	r.Seed = raw.Seed
	r.ReasoningEffort = strings.TrimSpace(raw.ReasoningEffort)
	r.Thinking = raw.Thinking
	r.EnableThinking = raw.EnableThinking
	r.ThinkingBudget = raw.ThinkingBudget

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.UnifiedChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    m.Role,
			Content: m.Content,
			Parts:   m.Parts,
			Name:    m.Name,
		})
	}

	var thinking *models.ThinkingObject
	if r.Thinking != nil {
		thinking = &models.ThinkingObject{
			Type:         r.Thinking.Type,
			BudgetTokens: r.Thinking.BudgetTokens,
		}
	}

	return models.UnifiedChatRequest{
		Model:            r.Model,
		Messages:         msgs,
		Stream:           r.Stream,
		MaxTokens:        r.MaxTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Stop:             r.Stop,
		Seed:             r.Seed,
		Thinking: models.ThinkingDirective{
			Effort:         r.ReasoningEffort,
			Thinking:       thinking,
			EnableThinking: r.EnableThinking,
			ThinkingBudget: r.ThinkingBudget,
		},
	}
}

// ChatMessage captures a single message within the chat request. Content is
// the flattened text; Parts is set when the client sent typed segments.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []models.ContentPart
	Name    string
}

// UnmarshalJSON supports string content and lists of typed parts (text and
// image-by-URL).
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Parts) == 0 {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, []models.ContentPart, error) {
	if raw == nil {
		return "", nil, fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		parts := make([]models.ContentPart, 0, len(segments))
		var builder strings.Builder
		for _, segment := range segments {
			switch segment.Type {
			case "text":
				builder.WriteString(segment.Text)
				parts = append(parts, models.ContentPart{Type: "text", Text: segment.Text})
			case "image_url":
				if segment.ImageURL == nil || segment.ImageURL.URL == "" {
					return "", nil, fmt.Errorf("%w: image_url segment missing url", errInvalidContent)
				}
				parts = append(parts, models.ContentPart{Type: "image_url", ImageURL: segment.ImageURL.URL})
			default:
				return "", nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
		}
		return builder.String(), parts, nil
	}

	return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int           `json:"index"`
	Message      *ChoiceOutput `json:"message,omitempty"`
	Delta        *ChoiceOutput `json:"delta,omitempty"`
	FinishReason *string       `json:"finish_reason"`
}

// ChoiceOutput is the message/delta body of a choice.
type ChoiceOutput struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewCompletionID produces one response identifier shared by every chunk of
// a streamed completion.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// FromUnifiedChat constructs the non-streaming OpenAI response shape.
func FromUnifiedChat(id, modelID string, createdUnix int64, resp *models.UnifiedChatResponse) ChatCompletionResponse {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	choice := ChatChoice{
		Index: 0,
		Message: &ChoiceOutput{
			Role:    "assistant",
			Content: resp.Message.Content,
		},
		FinishReason: &finish,
	}

	var usage *OpenAIUsage
	if resp.Usage != (models.Usage{}) {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{choice},
		Usage:   usage,
	}
}

// NewRoleChunk builds the initiating stream chunk carrying only the
// assistant role.
func NewRoleChunk(id, modelID string, createdUnix int64) ChatCompletionResponse {
	return chunk(id, modelID, createdUnix, ChatChoice{
		Index: 0,
		Delta: &ChoiceOutput{Role: "assistant"},
	})
}

// NewContentChunk builds one stream chunk for a text increment.
func NewContentChunk(id, modelID string, createdUnix int64, text string) ChatCompletionResponse {
	return chunk(id, modelID, createdUnix, ChatChoice{
		Index: 0,
		Delta: &ChoiceOutput{Content: text},
	})
}

// NewStopChunk builds the terminating stream chunk with an empty delta and
// finish_reason "stop".
func NewStopChunk(id, modelID string, createdUnix int64) ChatCompletionResponse {
	finish := "stop"
	return chunk(id, modelID, createdUnix, ChatChoice{
		Index:        0,
		Delta:        &ChoiceOutput{},
		FinishReason: &finish,
	})
}

func chunk(id, modelID string, createdUnix int64, choice ChatChoice) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{choice},
	}
}
