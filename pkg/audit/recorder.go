package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

// Options carries the recorder's content-handling limits. The redact flag
// and stream buffer limit can be overridden at runtime through the
// settings overlay.
type Options struct {
	Redact            bool
	StreamBufferLimit int
	PreviewLimit      int
	FullLimit         int
}

func (o Options) normalized() Options {
	if o.StreamBufferLimit <= 0 {
		o.StreamBufferLimit = DefaultStreamBufferLimit
	}
	if o.PreviewLimit <= 0 {
		o.PreviewLimit = 1024
	}
	if o.FullLimit <= 0 {
		o.FullLimit = 65536
	}
	return o
}

// SettingsSource reads ad-hoc configuration overrides.
type SettingsSource interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Recorder owns the lifecycle of audit records: one Open before any
// upstream call, exactly one Close on every exit path. Stream collectors
// live in an arena keyed by record id; each entry is written only by the
// request that owns it and removed when that record closes.
type Recorder struct {
	st       *store.Store
	opts     Options
	settings SettingsSource

	mu         sync.Mutex
	collectors map[int64]*StreamCollector

	now func() time.Time
}

func NewRecorder(st *store.Store, opts Options, settings SettingsSource) *Recorder {
	return &Recorder{
		st:         st,
		opts:       opts.normalized(),
		settings:   settings,
		collectors: map[int64]*StreamCollector{},
		now:        time.Now,
	}
}

func (r *Recorder) redactEnabled(ctx context.Context) bool {
	if r.settings != nil {
		if v, ok, err := r.settings.GetSetting(ctx, config.SettingRedactLogs); err == nil && ok {
			return v == "true" || v == "1"
		}
	}
	return r.opts.Redact
}

func (r *Recorder) streamBufferLimit(ctx context.Context) int {
	if r.settings != nil {
		if v, ok, err := r.settings.GetSetting(ctx, config.SettingStreamBufferLimit); err == nil && ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return r.opts.StreamBufferLimit
}

// OpenInfo is the snapshot taken before the upstream call.
type OpenInfo struct {
	Route           string
	Method          string
	Header          http.Header
	Body            []byte
	KeyID           *int64
	ProviderBaseURL string
}

// Open creates the audit record and returns its id.
func (r *Recorder) Open(ctx context.Context, info OpenInfo) (int64, error) {
	text := string(info.Body)
	if r.redactEnabled(ctx) {
		text = Redact(text)
	}
	preview, _ := Truncate(text, r.opts.PreviewLimit)
	full, truncated := Truncate(text, r.opts.FullLimit)

	return r.st.InsertLog(ctx, store.LogRecord{
		CreatedAt:          r.now().UTC(),
		Route:              info.Route,
		Method:             info.Method,
		ClientKeyID:        info.KeyID,
		ProviderBaseURL:    info.ProviderBaseURL,
		RequestHeadersHash: HashHeaders(info.Header),
		RequestPreview:     preview,
		RequestFull:        full,
		Truncated:          truncated,
	})
}

// AddChunk routes one streamed line into the record's collector, creating
// it on first use.
func (r *Recorder) AddChunk(ctx context.Context, logID int64, line string) {
	r.mu.Lock()
	c, ok := r.collectors[logID]
	if !ok {
		c = NewStreamCollector(logID, r.streamBufferLimit(ctx))
		r.collectors[logID] = c
	}
	r.mu.Unlock()
	c.Ingest(line)
}

// takeCollector removes and returns the record's collector, if any.
func (r *Recorder) takeCollector(logID int64) *StreamCollector {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.collectors[logID]
	delete(r.collectors, logID)
	return c
}

// Discard drops a record's collector without persisting it. Close already
// removes the collector; this is the safety valve for paths that abandon a
// record entirely.
func (r *Recorder) Discard(logID int64) {
	r.mu.Lock()
	delete(r.collectors, logID)
	r.mu.Unlock()
}

// CollectorCount reports live collectors, for leak checks.
func (r *Recorder) CollectorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collectors)
}

// CloseInfo carries a request's terminal outcome.
type CloseInfo struct {
	ProxyStatus    int
	ProviderStatus *int
	ResponseBody   string
	ErrorCode      string
	ErrorMessage   string
	Usage          *TokenUsage
	Model          string
	Streamed       bool
	Partial        bool
}

// Close finalizes the record. For streamed requests the collector's
// aggregate becomes the response body when none was supplied, its chunks
// are persisted in bulk, and its truncation flag propagates; the collector
// is removed on every call regardless of outcome. A record already closed
// stays closed.
func (r *Recorder) Close(ctx context.Context, logID int64, info CloseInfo) error {
	finishedAt := r.now().UTC()

	collector := r.takeCollector(logID)
	truncated := false
	responseBody := info.ResponseBody
	if collector != nil {
		if info.Streamed {
			if err := r.st.InsertChunks(ctx, logID, collector.Chunks()); err != nil {
				log.Error("persist stream chunks", "log_id", logID, "err", err)
			}
			if responseBody == "" {
				responseBody = collector.AggregatedText()
			}
			truncated = collector.Truncated()
			if info.Usage == nil {
				if u, ok := collector.Usage(); ok {
					info.Usage = &u
				}
			}
			if info.Model == "" {
				info.Model = collector.Model()
			}
		}
	}

	if r.redactEnabled(ctx) {
		responseBody = Redact(responseBody)
	}
	preview, _ := Truncate(responseBody, r.opts.PreviewLimit)
	full, fullTruncated := Truncate(responseBody, r.opts.FullLimit)
	if fullTruncated {
		truncated = true
	}

	latency := int64(0)
	if createdAt, err := r.st.LogCreatedAt(ctx, logID); err == nil {
		latency = finishedAt.Sub(createdAt).Milliseconds()
		if latency < 0 {
			latency = 0
		}
	}

	closeInfo := store.LogClose{
		FinishedAt:      finishedAt,
		ProxyStatus:     info.ProxyStatus,
		ProviderStatus:  info.ProviderStatus,
		ResponsePreview: preview,
		ResponseFull:    full,
		Streamed:        info.Streamed,
		Truncated:       truncated,
		Partial:         info.Partial,
		ErrorCode:       info.ErrorCode,
		ErrorMessage:    info.ErrorMessage,
		ProviderModel:   info.Model,
		LatencyMS:       latency,
	}
	if info.Usage != nil {
		closeInfo.PromptTokens = &info.Usage.Prompt
		closeInfo.CompletionTokens = &info.Usage.Completion
		closeInfo.TotalTokens = &info.Usage.Total
	}
	if err := r.st.CloseLog(ctx, logID, closeInfo); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
