package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
)

func testAdapter(t *testing.T, baseURL string, maxRetries int) *Adapter {
	t.Helper()
	a := NewAdapter(config.ProviderConfig{
		BaseURL:        baseURL,
		APIKey:         "upstream-secret",
		DefaultModel:   "gpt-4o-mini",
		TimeoutSeconds: 5,
		MaxRetries:     maxRetries,
	})
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func TestDoRetriesServerErrorsThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 2)
	_, err := a.Do(context.Background(), OpChat, []byte(`{"messages":[]}`))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", pe.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestDoClientErrorPassesThroughWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 3)
	resp, err := a.Do(context.Background(), OpChat, []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("client error must not retry, got %d attempts", got)
	}
}

func TestDoRetries429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 2)
	resp, err := a.Do(context.Background(), OpChat, []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected success on third attempt, got %d", resp.StatusCode)
	}
}

func TestDoBackoffSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 3)
	var waits []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	if _, err := a.Do(context.Background(), OpChat, []byte(`{}`)); err == nil {
		t.Fatal("expected failure")
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("backoff %d: expected %v, got %v", i, want[i], waits[i])
		}
	}
}

func TestDoInjectsDefaultModelAndAuth(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 0)
	if _, err := a.Do(context.Background(), OpChat, []byte(`{"messages":[{"role":"user","content":"hi"}]}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := `"model":"gpt-4o-mini"`; !strings.Contains(string(gotBody), want) {
		t.Fatalf("expected default model injected, body: %s", gotBody)
	}
	if gotAuth != "Bearer upstream-secret" {
		t.Fatalf("expected provider credential, got %q", gotAuth)
	}
}

func TestDoKeepsCallerModel(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 0)
	if _, err := a.Do(context.Background(), OpChat, []byte(`{"model":"llama3"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(gotBody), `"model":"llama3"`) {
		t.Fatalf("caller model must win, body: %s", gotBody)
	}
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		base string
		op   Operation
		want string
	}{
		{"https://api.openai.com/v1", OpChat, "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com", OpChat, "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", OpModels, "https://api.openai.com/v1/models"},
		{"http://localhost:11434/v1/chat/completions", OpChat, "http://localhost:11434/v1/chat/completions"},
		{"https://gw.example.com/openai/v1", OpResponses, "https://gw.example.com/openai/v1/responses"},
	}
	for _, tc := range cases {
		a := NewAdapter(config.ProviderConfig{BaseURL: tc.base})
		got, err := a.buildURL(tc.op)
		if err != nil {
			t.Fatalf("buildURL(%q, %s): %v", tc.base, tc.op, err)
		}
		if got != tc.want {
			t.Fatalf("buildURL(%q, %s) = %q, want %q", tc.base, tc.op, got, tc.want)
		}
	}
}

func TestStreamHandshakeErrorCarriesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 2)
	_, err := a.Stream(context.Background(), OpChat, []byte(`{}`))
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pe.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected upstream 401, got %d", pe.StatusCode)
	}
}

func TestStreamYieldsNonEmptyLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"stream":true`) {
			t.Errorf("stream flag not forced, body: %s", body)
		}
		fmt.Fprint(w, "data: {\"choices\":[]}\n\ndata: [DONE]\n")
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL, 0)
	ls, err := a.Stream(context.Background(), OpChat, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ls.Close()

	var lines []string
	for {
		line, err := ls.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 non-empty lines, got %v", lines)
	}
	if lines[1] != "data: [DONE]" {
		t.Fatalf("unexpected final line %q", lines[1])
	}
}
