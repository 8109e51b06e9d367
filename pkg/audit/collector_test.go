package audit

import (
	"fmt"
	"strings"
	"testing"
)

func deltaLine(content string) string {
	return fmt.Sprintf(`data: {"model":"gpt-4o","choices":[{"delta":{"content":%q}}]}`, content)
}

func TestCollectorAggregatesDeltaContent(t *testing.T) {
	c := NewStreamCollector(1, 0)
	c.Ingest(deltaLine("ab"))
	c.Ingest(deltaLine("cd"))
	c.Ingest("data: [DONE]")

	if got := c.AggregatedText(); got != "abcd" {
		t.Fatalf("expected aggregate abcd, got %q", got)
	}
	chunks := c.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("every line becomes a chunk, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Seq != i {
			t.Fatalf("chunk %d has seq %d", i, ch.Seq)
		}
	}
	if c.Model() != "gpt-4o" {
		t.Fatalf("expected model captured, got %q", c.Model())
	}
}

func TestCollectorSkipsUnparseableLines(t *testing.T) {
	c := NewStreamCollector(1, 0)
	c.Ingest("event: ping")
	c.Ingest("data: {not json")
	c.Ingest("data: ")
	c.Ingest(deltaLine("ok"))

	if got := c.AggregatedText(); got != "ok" {
		t.Fatalf("malformed lines must not contribute content, got %q", got)
	}
	if len(c.Chunks()) != 4 {
		t.Fatalf("malformed lines are still chunks, got %d", len(c.Chunks()))
	}
	if c.Truncated() {
		t.Fatal("nothing should have truncated")
	}
}

func TestCollectorTruncationSticks(t *testing.T) {
	c := NewStreamCollector(1, 10)
	c.Ingest(deltaLine(strings.Repeat("a", 8)))
	if c.Truncated() {
		t.Fatal("below limit, not truncated yet")
	}
	c.Ingest(deltaLine(strings.Repeat("b", 8)))
	if !c.Truncated() {
		t.Fatal("crossing the limit sets the flag")
	}
	sizeAfter := len(c.AggregatedText())

	c.Ingest(deltaLine("ccc"))
	if len(c.AggregatedText()) != sizeAfter {
		t.Fatal("aggregate must stop growing once truncated")
	}
	if !c.Truncated() {
		t.Fatal("flag is sticky")
	}
	if len(c.Chunks()) != 3 {
		t.Fatal("chunks keep recording past truncation")
	}
}

func TestCollectorCapturesUsage(t *testing.T) {
	c := NewStreamCollector(1, 0)
	c.Ingest(deltaLine("hi"))
	c.Ingest(`data: {"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	c.Ingest("data: [DONE]")

	u, ok := c.Usage()
	if !ok {
		t.Fatal("expected usage captured")
	}
	if u.Prompt != 5 || u.Completion != 3 || u.Total != 8 {
		t.Fatalf("unexpected usage %+v", u)
	}
}

func TestUsageFromJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want TokenUsage
		ok   bool
	}{
		{"chat style", `{"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`, TokenUsage{5, 3, 8}, true},
		{"responses style", `{"usage":{"input_tokens":7,"output_tokens":2}}`, TokenUsage{7, 2, 9}, true},
		{"total derived", `{"usage":{"prompt_tokens":1,"completion_tokens":2}}`, TokenUsage{1, 2, 3}, true},
		{"absent", `{"choices":[]}`, TokenUsage{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := UsageFromJSON(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("UsageFromJSON(%s) = %+v, %v; want %+v, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}
