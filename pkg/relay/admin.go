package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
	"github.com/cottagephilosopher/llm-relay/pkg/store"
)

type keyView struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpireAt  *time.Time `json:"expire_at,omitempty"`
}

func toKeyView(k store.APIKey) keyView {
	return keyView{ID: k.ID, Name: k.Name, Prefix: k.Prefix, Status: k.Status, CreatedAt: k.CreatedAt, ExpireAt: k.ExpireAt}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to list keys")
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyView(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		ExpireInDays int    `json:"expire_in_days"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInternal, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errTypeInternal, "name is required")
		return
	}
	var expireAt *time.Time
	if req.ExpireInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.ExpireInDays)
		expireAt = &t
	}
	key, plaintext, err := s.store.CreateKey(r.Context(), req.Name, expireAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to create key")
		return
	}
	// The plaintext key is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{"key": toKeyView(key), "api_key": plaintext})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInternal, "invalid key id")
		return
	}
	if err := s.store.RevokeKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeInternal, "key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to revoke key")
		return
	}
	// Drop any cached resolution so the revocation takes effect now.
	for hash, entry := range s.keyCache.Entries() {
		if entry.Value.ID == id {
			s.keyCache.Delete(hash)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 500)
	offset := queryInt(r, "offset", 0, 0)
	logs, err := s.store.ListLogs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to list logs")
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, rec := range logs {
		out = append(out, logSummaryView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out, "limit": limit, "offset": offset})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInternal, "invalid log id")
		return
	}
	rec, chunks, err := s.store.GetLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeInternal, "log not found")
			return
		}
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to load log")
		return
	}
	view := logSummaryView(rec)
	view["request_full"] = rec.RequestFull
	view["response_full"] = rec.ResponseFull
	view["request_headers_hash"] = rec.RequestHeadersHash
	view["chunks"] = chunks
	writeJSON(w, http.StatusOK, view)
}

func logSummaryView(rec store.LogRecord) map[string]any {
	return map[string]any{
		"id":                rec.ID,
		"created_at":        rec.CreatedAt,
		"finished_at":       rec.FinishedAt,
		"route":             rec.Route,
		"method":            rec.Method,
		"client_key_id":     rec.ClientKeyID,
		"provider_base_url": rec.ProviderBaseURL,
		"request_preview":   rec.RequestPreview,
		"response_preview":  rec.ResponsePreview,
		"streamed":          rec.Streamed,
		"truncated":         rec.Truncated,
		"partial":           rec.Partial,
		"proxy_status":      rec.ProxyStatus,
		"provider_status":   rec.ProviderStatus,
		"error_code":        rec.ErrorCode,
		"error_message":     rec.ErrorMessage,
		"model":             rec.ProviderModel,
		"prompt_tokens":     rec.PromptTokens,
		"completion_tokens": rec.CompletionTokens,
		"total_tokens":      rec.TotalTokens,
		"latency_ms":        rec.LatencyMS,
	}
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24, 24*30)
	if hours == 0 {
		hours = 24
	}
	sum, err := s.usage.Summarize(time.Duration(hours)*time.Hour, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to summarize usage")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"redact_logs":         s.cfg.Logging.Redact,
		"stream_buffer_limit": s.cfg.Logging.StreamBufferLimit,
	}
	if raw, ok, err := s.store.GetSetting(r.Context(), config.SettingRedactLogs); err == nil && ok {
		out["redact_logs"] = raw == "true"
	}
	if raw, ok, err := s.store.GetSetting(r.Context(), config.SettingStreamBufferLimit); err == nil && ok {
		if v, perr := strconv.Atoi(raw); perr == nil {
			out["stream_buffer_limit"] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedactLogs        *bool `json:"redact_logs"`
		StreamBufferLimit *int  `json:"stream_buffer_limit"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInternal, "invalid request body")
		return
	}
	if req.RedactLogs != nil {
		if err := s.store.SetSetting(r.Context(), config.SettingRedactLogs, strconv.FormatBool(*req.RedactLogs)); err != nil {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to save setting")
			return
		}
	}
	if req.StreamBufferLimit != nil {
		if *req.StreamBufferLimit <= 0 {
			writeError(w, http.StatusBadRequest, errTypeInternal, "stream_buffer_limit must be positive")
			return
		}
		if err := s.store.SetSetting(r.Context(), config.SettingStreamBufferLimit, strconv.Itoa(*req.StreamBufferLimit)); err != nil {
			writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to save setting")
			return
		}
	}
	s.handleGetSettings(w, r)
}
