package tests

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/relay"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

// Exercises the relay through a real OpenAI client library, the way an
// actual caller would use it.

const relayKey = "lr-integration-key"

func startRelay(t *testing.T, upstream string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultServerConfig()
	cfg.Provider.BaseURL = upstream
	cfg.Provider.APIKey = "upstream-secret"
	cfg.Provider.MaxRetries = 0
	cfg.Auth.RelayKey = relayKey
	cfg.Storage.DBPath = filepath.Join(dir, "relay.db")
	cfg.Storage.UsagePath = filepath.Join(dir, "usage-db")
	cfg.Normalize()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv, err := relay.NewServer(cfg, st)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func relayClient(baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(relayKey)
	cfg.BaseURL = baseURL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIClientChatCompletion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello from upstream"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	}))
	defer upstream.Close()

	client := relayClient(startRelay(t, upstream.URL))
	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello from upstream" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Fatalf("usage lost in relay: %+v", resp.Usage)
	}
}

func TestOpenAIClientStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		chunks := []string{
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"he"}}]}`,
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"llo"}}]}`,
			`data: [DONE]`,
		}
		for _, line := range chunks {
			fmt.Fprint(w, line+"\n\n")
			fl.Flush()
		}
	}))
	defer upstream.Close()

	client := relayClient(startRelay(t, upstream.URL))
	stream, err := client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var out string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if len(chunk.Choices) > 0 {
			out += chunk.Choices[0].Delta.Content
		}
	}
	if out != "hello" {
		t.Fatalf("expected streamed content hello, got %q", out)
	}
}

func TestOpenAIClientListModels(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":"gpt-4o-mini","object":"model"}]}`)
	}))
	defer upstream.Close()

	client := relayClient(startRelay(t, upstream.URL))
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models.Models) != 2 || models.Models[0].ID != "gpt-4o" {
		t.Fatalf("unexpected models %+v", models.Models)
	}
}

func TestOpenAIClientAuthError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	cfg := openai.DefaultConfig("lr-wrong-key")
	cfg.BaseURL = startRelay(t, upstream.URL) + "/v1"
	client := openai.NewClientWithConfig(cfg)

	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.HTTPStatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", apiErr.HTTPStatusCode)
	}
}
