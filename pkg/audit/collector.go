package audit

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

const (
	dataPrefix       = "data: "
	terminalSentinel = "[DONE]"

	// DefaultStreamBufferLimit bounds the extracted-content aggregate.
	DefaultStreamBufferLimit = 1 << 20
)

// TokenUsage mirrors the usage object of upstream responses.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// UsageFromJSON reads the usage fields from a response or event payload.
func UsageFromJSON(data string) (TokenUsage, bool) {
	usage := gjson.Get(data, "usage")
	src := usage
	if !usage.Exists() {
		src = gjson.Parse(data)
	}
	u := TokenUsage{
		Prompt:     int(firstInt(src, "prompt_tokens", "input_tokens")),
		Completion: int(firstInt(src, "completion_tokens", "output_tokens")),
		Total:      int(src.Get("total_tokens").Int()),
	}
	if u.Prompt == 0 && u.Completion == 0 && u.Total == 0 {
		return TokenUsage{}, false
	}
	if u.Total == 0 {
		u.Total = u.Prompt + u.Completion
	}
	return u, true
}

func firstInt(src gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := src.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// StreamCollector buffers one record's streamed lines: every ingested line
// becomes an ordered chunk, and recognizable delta content accumulates in a
// size-bounded aggregate. One collector belongs to exactly one record and
// is discarded when the record closes.
type StreamCollector struct {
	logID     int64
	chunks    []store.Chunk
	parts     []string
	size      int
	maxSize   int
	truncated bool
	usage     TokenUsage
	model     string

	now func() time.Time
}

func NewStreamCollector(logID int64, maxBufferSize int) *StreamCollector {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultStreamBufferLimit
	}
	return &StreamCollector{
		logID:   logID,
		maxSize: maxBufferSize,
		now:     time.Now,
	}
}

// Ingest records one raw line. The line always joins the chunk sequence;
// content extraction is best effort and a malformed line is never an
// error. Once the extracted aggregate crosses the buffer limit the
// truncated flag sticks and the aggregate stops growing.
func (c *StreamCollector) Ingest(line string) {
	c.chunks = append(c.chunks, store.Chunk{
		Seq:       len(c.chunks),
		Text:      line,
		CreatedAt: c.now().UTC(),
	})

	if !strings.HasPrefix(line, dataPrefix) {
		return
	}
	data := strings.TrimSpace(line[len(dataPrefix):])
	if data == "" || data == terminalSentinel {
		return
	}
	if !gjson.Valid(data) {
		return
	}
	if c.model == "" {
		c.model = gjson.Get(data, "model").String()
	}
	if u, ok := UsageFromJSON(data); ok && u.Total >= c.usage.Total {
		c.usage = u
	}
	if c.truncated {
		return
	}
	gjson.Get(data, "choices").ForEach(func(_, choice gjson.Result) bool {
		content := choice.Get("delta.content")
		if !content.Exists() {
			return true
		}
		if text := content.String(); text != "" {
			c.parts = append(c.parts, text)
			c.size += len(text)
		}
		return true
	})
	if c.size >= c.maxSize {
		c.truncated = true
	}
}

// AggregatedText concatenates the extracted fragments in arrival order.
func (c *StreamCollector) AggregatedText() string {
	return strings.Join(c.parts, "")
}

// Chunks returns every ingested line with its 0-based sequence number.
func (c *StreamCollector) Chunks() []store.Chunk {
	return c.chunks
}

func (c *StreamCollector) Truncated() bool { return c.truncated }

func (c *StreamCollector) Usage() (TokenUsage, bool) {
	if c.usage == (TokenUsage{}) {
		return TokenUsage{}, false
	}
	return c.usage, true
}

func (c *StreamCollector) Model() string { return c.model }
