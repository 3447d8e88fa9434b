// Package upstream dispatches unified requests to the AI gateway and
// decodes its responses.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gateway-proxy/internal/models"
	"gateway-proxy/internal/providers"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "gateway-proxy/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// StatusError reports a non-2xx upstream response. Message holds the
// upstream error text when one could be extracted, otherwise the raw body.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

var rateLimitSignatures = []string{"rate limit", "rate_limit", "quota", "exhausted", "too many requests"}

// IsRateLimited reports whether the error looks like a rate-limit or quota
// rejection, which is the only class the caller may retry with a rotated
// credential.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusTooManyRequests {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// Client issues bearer-authenticated calls to the gateway, path-scoped per
// provider.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs a gateway client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the configured gateway root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying client for sibling components that call
// other gateway endpoints (the model catalog).
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

func (c *Client) endpoint(kind providers.Kind) string {
	return c.baseURL + "/" + kind.PathSegment() + "/v1/chat/completions"
}

// Generate performs a single-shot completion call.
func (c *Client) Generate(ctx context.Context, credential string, kind providers.Kind, req models.UnifiedChatRequest, opts providers.OptionSet) (*models.UnifiedChatResponse, error) {
	body, err := buildPayload(req, opts, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, c.endpoint(kind), credential, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, readStatusError(httpResp)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	return parseCompletion(respBody)
}

// Stream performs a streaming completion call. The returned channel yields
// text increments in upstream order and exactly one terminal event (Done or
// Err); it is closed afterwards. Channel sends block, so a slow consumer
// pauses reads from the upstream body.
func (c *Client) Stream(ctx context.Context, credential string, kind providers.Kind, req models.UnifiedChatRequest, opts providers.OptionSet) (<-chan models.StreamEvent, error) {
	body, err := buildPayload(req, opts, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, c.endpoint(kind), credential, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, readStatusError(httpResp)
	}

	events := make(chan models.StreamEvent)
	go c.consume(ctx, httpResp.Body, events)
	return events, nil
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, events chan<- models.StreamEvent) {
	defer close(events)
	defer body.Close()

	// Every send must stay cancellable: a consumer that stopped draining
	// the channel would otherwise park this goroutine forever.
	send := func(ev models.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *models.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			send(models.StreamEvent{Err: ctx.Err()})
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			send(models.StreamEvent{Done: true, Usage: usage})
			return
		}

		if u := gjson.Get(data, "usage"); u.Exists() {
			usage = &models.Usage{
				PromptTokens:     int(u.Get("prompt_tokens").Int()),
				CompletionTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:      int(u.Get("total_tokens").Int()),
			}
		}

		if text := gjson.Get(data, "choices.0.delta.content"); text.Exists() && text.String() != "" {
			if !send(models.StreamEvent{Text: text.String()}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(models.StreamEvent{Err: fmt.Errorf("gateway stream read: %w", err)})
		return
	}

	// Upstream closed without a [DONE] sentinel; treat EOF as completion.
	send(models.StreamEvent{Done: true, Usage: usage})
}

func (c *Client) newRequest(ctx context.Context, url, credential string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct gateway request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+credential)
	return req, nil
}

type wirePayload struct {
	Model            string    `json:"model"`
	Messages         []wireMsg `json:"messages"`
	Stream           bool      `json:"stream,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Seed             *int64    `json:"seed,omitempty"`
}

type wireMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

// buildPayload serializes the unified request and grafts the provider
// options into the providerOptions namespace.
func buildPayload(req models.UnifiedChatRequest, opts providers.OptionSet, stream bool) ([]byte, error) {
	messages := make([]wireMsg, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, wireMsg{
			Role:    msg.Role,
			Content: wireContent(msg),
			Name:    msg.Name,
		})
	}

	payload := wirePayload{
		Model:            req.Model,
		Messages:         messages,
		Stream:           stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Seed:             req.Seed,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway payload: %w", err)
	}

	for name, options := range opts {
		body, err = sjson.SetBytes(body, "providerOptions."+name, options)
		if err != nil {
			return nil, fmt.Errorf("set provider options for %s: %w", name, err)
		}
	}

	return body, nil
}

func wireContent(msg models.Message) any {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	parts := make([]map[string]any, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case "image_url":
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": part.ImageURL},
			})
		default:
			parts = append(parts, map[string]any{
				"type": "text",
				"text": part.Text,
			})
		}
	}
	return parts
}

func parseCompletion(body []byte) (*models.UnifiedChatResponse, error) {
	choice := gjson.GetBytes(body, "choices.0")
	if !choice.Exists() {
		return nil, errors.New("gateway response did not include choices")
	}

	resp := &models.UnifiedChatResponse{
		ID: gjson.GetBytes(body, "id").String(),
		Message: models.Message{
			Role:    choice.Get("message.role").String(),
			Content: choice.Get("message.content").String(),
		},
		FinishReason: choice.Get("finish_reason").String(),
	}
	if usage := gjson.GetBytes(body, "usage"); usage.Exists() {
		resp.Usage = models.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}
	return resp, nil
}

func readStatusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &StatusError{Status: resp.StatusCode, Message: "failed to read error body"}
	}

	message := strings.TrimSpace(string(body))
	if m := gjson.GetBytes(body, "error.message"); m.Exists() && m.String() != "" {
		message = m.String()
	}
	return &StatusError{Status: resp.StatusCode, Message: message}
}
