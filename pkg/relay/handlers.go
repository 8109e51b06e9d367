package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/cottagephilosopher/llm-relay/pkg/audit"
	"github.com/cottagephilosopher/llm-relay/pkg/provider"
	"github.com/cottagephilosopher/llm-relay/pkg/ratelimit"
	"github.com/cottagephilosopher/llm-relay/pkg/usage"
)

const maxRequestBytes = 8 << 20

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.relayCompletion(w, r, provider.OpChat)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.relayCompletion(w, r, provider.OpResponses)
}

func (s *Server) relayCompletion(w http.ResponseWriter, r *http.Request, op provider.Operation) {
	id := identityFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInternal, "failed to read request body")
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errTypeInternal, "request body too large")
		return
	}

	if !s.limiter.Admit(id.rateKey(r), 1) {
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, errTypeRateLimit, "Rate limit exceeded. Please slow down.")
		return
	}

	streamed := gjson.GetBytes(body, "stream").Bool()
	started := time.Now()

	logID, err := s.recorder.Open(r.Context(), audit.OpenInfo{
		Route:           op.Path(),
		Method:          r.Method,
		Header:          r.Header,
		Body:            body,
		KeyID:           id.keyID(),
		ProviderBaseURL: s.cfg.Provider.BaseURL,
	})
	if err != nil {
		log.Error("open audit record", "route", op.Path(), "err", err)
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to record request")
		return
	}

	if streamed {
		s.relayStream(w, r, op, body, logID, id, started)
		return
	}
	s.relayOnce(w, r, op, body, logID, id, started)
}

func (s *Server) relayOnce(w http.ResponseWriter, r *http.Request, op provider.Operation, body []byte, logID int64, id identity, started time.Time) {
	resp, err := s.adapter.Do(r.Context(), op, body)
	if err != nil {
		s.finishFailed(w, r, op, logID, id, started, err, false)
		return
	}

	text := string(resp.Body)
	model := gjson.Get(text, "model").String()
	var usagePtr *audit.TokenUsage
	if u, ok := audit.UsageFromJSON(text); ok {
		usagePtr = &u
	}

	status := resp.StatusCode
	errCode, errMsg := "", ""
	if status >= http.StatusBadRequest {
		errCode = errTypeProvider
		errMsg = gjson.Get(text, "error.message").String()
	}
	s.closeRecord(logID, audit.CloseInfo{
		ProxyStatus:    status,
		ProviderStatus: &status,
		ResponseBody:   text,
		ErrorCode:      errCode,
		ErrorMessage:   errMsg,
		Usage:          usagePtr,
		Model:          model,
	})
	s.recordUsage(op, id, status, false, usagePtr, model, started)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	started := time.Now()

	logID, err := s.recorder.Open(r.Context(), audit.OpenInfo{
		Route:           provider.OpModels.Path(),
		Method:          r.Method,
		Header:          r.Header,
		KeyID:           id.keyID(),
		ProviderBaseURL: s.cfg.Provider.BaseURL,
	})
	if err != nil {
		log.Error("open audit record", "route", provider.OpModels.Path(), "err", err)
		writeError(w, http.StatusInternalServerError, errTypeInternal, "failed to record request")
		return
	}

	resp, err := s.adapter.Do(r.Context(), provider.OpModels, nil)
	if err != nil {
		s.finishFailed(w, r, provider.OpModels, logID, id, started, err, false)
		return
	}

	status := resp.StatusCode
	s.closeRecord(logID, audit.CloseInfo{
		ProxyStatus:    status,
		ProviderStatus: &status,
		ResponseBody:   string(resp.Body),
	})
	s.recordUsage(provider.OpModels, id, status, false, nil, "", started)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// finishFailed closes the audit record and writes the error envelope for
// an upstream call that never produced a usable response.
func (s *Server) finishFailed(w http.ResponseWriter, r *http.Request, op provider.Operation, logID int64, id identity, started time.Time, err error, streamed bool) {
	var pe *provider.Error
	proxyStatus := http.StatusInternalServerError
	errType := errTypeInternal
	msg := "internal relay error"

	switch {
	case errors.As(err, &pe):
		proxyStatus = pe.StatusCode
		errType = errTypeProvider
		msg = pe.Message
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write.
		proxyStatus = 499
		msg = "client disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		proxyStatus = http.StatusGatewayTimeout
		errType = errTypeProvider
		msg = "provider request timed out"
	default:
		log.Error("relay upstream", "route", op.Path(), "err", err)
	}

	s.closeRecord(logID, audit.CloseInfo{
		ProxyStatus:  proxyStatus,
		ErrorCode:    errType,
		ErrorMessage: msg,
		Streamed:     streamed,
		Partial:      streamed,
	})
	s.recordUsage(op, id, proxyStatus, streamed, nil, "", started)

	if r.Context().Err() == nil {
		writeError(w, proxyStatus, errType, msg)
	}
}

// closeRecord finalizes an audit record using a background context so the
// write survives client disconnects.
func (s *Server) closeRecord(logID int64, info audit.CloseInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.recorder.Close(ctx, logID, info); err != nil {
		log.Error("close audit record", "id", logID, "err", err)
	}
}

func (s *Server) recordUsage(op provider.Operation, id identity, status int, streamed bool, u *audit.TokenUsage, model string, started time.Time) {
	evt := usage.Event{
		Timestamp:  time.Now().UTC(),
		Route:      op.Path(),
		Model:      model,
		KeyName:    id.keyName(),
		StatusCode: status,
		Streamed:   streamed,
		LatencyMS:  time.Since(started).Milliseconds(),
	}
	if id.Configured {
		evt.KeyName = "configured"
	}
	if u != nil {
		evt.PromptTokens = u.Prompt
		evt.CompletionTokens = u.Completion
		evt.TotalTokens = u.Total
	}
	if err := s.usage.Append(evt); err != nil {
		log.Warn("append usage event", "err", err)
	}
}
