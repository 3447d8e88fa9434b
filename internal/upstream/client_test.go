package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gateway-proxy/internal/models"
	"gateway-proxy/internal/providers"
)

func testRequest() models.UnifiedChatRequest {
	temp := 0.5
	return models.UnifiedChatRequest{
		Model: "claude-sonnet-4",
		Messages: []models.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
		Temperature: &temp,
	}
}

func TestGeneratePayloadAndAuth(t *testing.T) {
	var captured []byte
	var gotPath, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		captured, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{
			"id": "up-123",
			"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	opts := providers.BuildOptions(providers.KindAnthropic, "claude-sonnet-4", models.ThinkingDirective{Effort: "medium"})

	resp, err := client.Generate(context.Background(), "sk-test", providers.KindAnthropic, testRequest(), opts)
	require.NoError(t, err)

	assert.Equal(t, "/anthropic/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)

	body := gjson.ParseBytes(captured)
	assert.Equal(t, "claude-sonnet-4", body.Get("model").String())
	assert.Equal(t, "be brief", body.Get("messages.0.content").String())
	assert.False(t, body.Get("stream").Bool())
	assert.Equal(t, int64(8512), body.Get("providerOptions.anthropic.thinking.budgetTokens").Int())
	assert.Equal(t, "enabled", body.Get("providerOptions.anthropic.thinking.type").String())

	assert.Equal(t, "up-123", resp.ID)
	assert.Equal(t, "hi", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestGenerateDefaultKindRidesOpenAIRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	_, err := client.Generate(context.Background(), "sk-test", providers.KindDefault, testRequest(), providers.OptionSet{})
	require.NoError(t, err)
	assert.Equal(t, "/openai/v1/chat/completions", gotPath)
}

func TestGenerateMultimodalContent(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "a cat"}}]}`)
	}))
	defer srv.Close()

	req := models.UnifiedChatRequest{
		Model: "gpt-4o",
		Messages: []models.Message{{
			Role:    "user",
			Content: "what is this",
			Parts: []models.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: "https://example.com/cat.png"},
			},
		}},
	}

	client := NewClient(srv.URL, 10*time.Second)
	_, err := client.Generate(context.Background(), "sk-test", providers.KindOpenAI, req, providers.OptionSet{})
	require.NoError(t, err)

	body := gjson.ParseBytes(captured)
	assert.Equal(t, "text", body.Get("messages.0.content.0.type").String())
	assert.Equal(t, "https://example.com/cat.png", body.Get("messages.0.content.1.image_url.url").String())
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "Rate limit exceeded for key"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	_, err := client.Generate(context.Background(), "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Status)
	assert.Equal(t, "Rate limit exceeded for key", se.Message)
	assert.True(t, IsRateLimited(err))
}

func TestGenerateMissingChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object": "chat.completion"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	_, err := client.Generate(context.Background(), "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.Error(t, err)
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	events, err := client.Stream(context.Background(), "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.NoError(t, err)

	var text string
	var done *models.StreamEvent
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Done {
			done = &ev
			continue
		}
		text += ev.Text
	}

	assert.Equal(t, "hello", text)
	require.NotNil(t, done)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 6, done.Usage.TotalTokens)
}

func TestStreamEOFWithoutSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	events, err := client.Stream(context.Background(), "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.NoError(t, err)

	var sawDone bool
	var text string
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Done {
			sawDone = true
		}
		text += ev.Text
	}
	assert.True(t, sawDone, "EOF without [DONE] is treated as completion")
	assert.Equal(t, "partial", text)
}

func TestStreamConsumerExitsOnCancelWithoutDraining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok\"}}]}\n\n")
			flusher.Flush()
			time.Sleep(time.Millisecond)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(srv.URL, 10*time.Second)
	events, err := client.Stream(ctx, "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.NoError(t, err)

	<-events
	cancel()

	// The consumer must unpark from its channel send and close the channel
	// even though nobody is draining the remaining events.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error": {"message": "upstream unavailable"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 10*time.Second)
	_, err := client.Stream(context.Background(), "sk-test", providers.KindOpenAI, testRequest(), providers.OptionSet{})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&StatusError{Status: 429, Message: "slow down"}))
	assert.True(t, IsRateLimited(&StatusError{Status: 400, Message: "quota exceeded for project"}))
	assert.True(t, IsRateLimited(errors.New("resource exhausted")))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(&StatusError{Status: 500, Message: "internal"}))
}
