package audit

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

func testRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r := NewRecorder(st, Options{Redact: true, PreviewLimit: 64, FullLimit: 256}, st)
	return r, st
}

func TestRecorderOpenCloseRoundTrip(t *testing.T) {
	r, st := testRecorder(t)
	ctx := context.Background()

	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Authorization", "Bearer secret")

	logID, err := r.Open(ctx, OpenInfo{
		Route:           "/v1/chat/completions",
		Method:          http.MethodPost,
		Header:          hdr,
		Body:            []byte(`{"messages":[{"role":"user","content":"mail me at bob.jones@example.com"}]}`),
		ProviderBaseURL: "https://api.openai.com/v1",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	status := 200
	err = r.Close(ctx, logID, CloseInfo{
		ProxyStatus:    200,
		ProviderStatus: &status,
		ResponseBody:   `{"choices":[{"message":{"content":"hi"}}]}`,
		Usage:          &TokenUsage{Prompt: 5, Completion: 3, Total: 8},
		Model:          "gpt-4o",
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	rec, _, err := st.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if rec.FinishedAt == nil {
		t.Fatal("record should be finished")
	}
	if strings.Contains(rec.RequestFull, "bob.jones@example.com") {
		t.Fatal("request body must be redacted")
	}
	if !strings.Contains(rec.RequestFull, "***@***") {
		t.Fatalf("expected masked email in %q", rec.RequestFull)
	}
	if rec.ProxyStatus != 200 || rec.ProviderStatus == nil || *rec.ProviderStatus != 200 {
		t.Fatalf("unexpected statuses %+v", rec)
	}
	if rec.TotalTokens == nil || *rec.TotalTokens != 8 {
		t.Fatal("expected total tokens persisted")
	}
	if rec.ProviderModel != "gpt-4o" {
		t.Fatalf("expected model, got %q", rec.ProviderModel)
	}
	if rec.LatencyMS == nil || *rec.LatencyMS < 0 {
		t.Fatal("expected non-negative latency")
	}
}

func TestRecorderStreamedClosePersistsChunks(t *testing.T) {
	r, st := testRecorder(t)
	ctx := context.Background()

	logID, err := r.Open(ctx, OpenInfo{Route: "/v1/chat/completions", Method: http.MethodPost, Body: []byte(`{"stream":true}`)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	r.AddChunk(ctx, logID, `data: {"model":"gpt-4o","choices":[{"delta":{"content":"he"}}]}`)
	r.AddChunk(ctx, logID, `data: {"choices":[{"delta":{"content":"llo"}}]}`)
	r.AddChunk(ctx, logID, `data: {"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`)
	r.AddChunk(ctx, logID, "data: [DONE]")
	if r.CollectorCount() != 1 {
		t.Fatalf("expected one live collector, got %d", r.CollectorCount())
	}

	status := 200
	if err := r.Close(ctx, logID, CloseInfo{ProxyStatus: 200, ProviderStatus: &status, Streamed: true}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.CollectorCount() != 0 {
		t.Fatal("close must release the collector")
	}

	rec, chunks, err := st.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Seq != i {
			t.Fatalf("chunk %d out of order: seq %d", i, ch.Seq)
		}
	}
	if !strings.Contains(rec.ResponseFull, "hello") {
		t.Fatalf("aggregate should be the stored body, got %q", rec.ResponseFull)
	}
	if rec.TotalTokens == nil || *rec.TotalTokens != 3 {
		t.Fatal("usage should come from the stream")
	}
	if rec.ProviderModel != "gpt-4o" {
		t.Fatalf("model should come from the stream, got %q", rec.ProviderModel)
	}
	if !rec.Streamed {
		t.Fatal("record should be marked streamed")
	}
}

func TestRecorderDiscardReleasesCollector(t *testing.T) {
	r, _ := testRecorder(t)
	ctx := context.Background()

	logID, err := r.Open(ctx, OpenInfo{Route: "/v1/chat/completions", Method: http.MethodPost})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r.AddChunk(ctx, logID, "data: [DONE]")
	r.Discard(logID)
	if r.CollectorCount() != 0 {
		t.Fatal("discard must remove the collector")
	}
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	r, st := testRecorder(t)
	ctx := context.Background()

	logID, err := r.Open(ctx, OpenInfo{Route: "/v1/models", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Close(ctx, logID, CloseInfo{ProxyStatus: 200}); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := r.Close(ctx, logID, CloseInfo{ProxyStatus: 500, ErrorCode: "internal_error"}); err != nil {
		t.Fatalf("second close: %v", err)
	}

	rec, _, err := st.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if rec.ProxyStatus != 200 || rec.ErrorCode != "" {
		t.Fatalf("second close must not overwrite, got %+v", rec)
	}
}

func TestRecorderSettingsOverlayDisablesRedaction(t *testing.T) {
	r, st := testRecorder(t)
	ctx := context.Background()

	if err := st.SetSetting(ctx, "redact_logs", "false"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	logID, err := r.Open(ctx, OpenInfo{Route: "/v1/chat/completions", Method: http.MethodPost, Body: []byte("write to carol.white@example.com")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec, _, err := st.GetLog(ctx, logID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if !strings.Contains(rec.RequestFull, "carol.white@example.com") {
		t.Fatalf("overlay should win over options, got %q", rec.RequestFull)
	}
}
