package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/cottagephilosopher/llm-relay/pkg/audit"
	"github.com/cottagephilosopher/llm-relay/pkg/provider"
)

// relayStream forwards the upstream SSE stream line by line, recording
// every line as an audit chunk. The upstream handshake is the only place
// a clean error envelope can still be written; after the first byte goes
// out, failures surface as a final "data:" error event instead.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, op provider.Operation, body []byte, logID int64, id identity, started time.Time) {
	ls, err := s.adapter.Stream(r.Context(), op, body)
	if err != nil {
		var pe *provider.Error
		proxyStatus := http.StatusInternalServerError
		errType := errTypeInternal
		msg := "internal relay error"
		if errors.As(err, &pe) {
			proxyStatus = pe.StatusCode
			errType = errTypeProvider
			msg = pe.Message
		} else if r.Context().Err() == nil {
			log.Error("stream handshake", "route", op.Path(), "err", err)
		}
		s.closeRecord(logID, audit.CloseInfo{
			ProxyStatus:  proxyStatus,
			ErrorCode:    errType,
			ErrorMessage: msg,
			Streamed:     true,
		})
		s.recordUsage(op, id, proxyStatus, true, nil, "", started)
		if r.Context().Err() == nil {
			writeError(w, proxyStatus, errType, msg)
		}
		return
	}
	defer ls.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var scan streamScan
	closed := false
	closeOnce := func(info audit.CloseInfo) {
		if closed {
			return
		}
		closed = true
		s.closeRecord(logID, info)
		s.recordUsage(op, id, info.ProxyStatus, true, scan.usagePtr(), scan.model, started)
	}
	// The collector must not outlive the request even on a panic path.
	defer func() {
		if !closed {
			s.recorder.Discard(logID)
		}
	}()

	chunkCtx := context.WithoutCancel(r.Context())
	providerOK := http.StatusOK

	for {
		line, err := ls.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeOnce(audit.CloseInfo{
					ProxyStatus:    http.StatusOK,
					ProviderStatus: &providerOK,
					Streamed:       true,
				})
				return
			}
			// Upstream died mid-stream: emit a terminal error event so the
			// client sees a well-formed end instead of a dropped connection.
			msg := "provider stream interrupted"
			if r.Context().Err() == nil {
				payload, _ := json.Marshal(errorEnvelope{Error: errorBody{Message: msg, Type: errTypeProvider}})
				_, _ = io.WriteString(w, "data: "+string(payload)+"\n")
				if flusher != nil {
					flusher.Flush()
				}
			}
			closeOnce(audit.CloseInfo{
				ProxyStatus:    http.StatusOK,
				ProviderStatus: &providerOK,
				ErrorCode:      errTypeProvider,
				ErrorMessage:   msg,
				Streamed:       true,
				Partial:        true,
			})
			return
		}

		s.recorder.AddChunk(chunkCtx, logID, line)
		scan.observe(line)

		if _, werr := io.WriteString(w, line+"\n"); werr != nil {
			closeOnce(audit.CloseInfo{
				ProxyStatus:    http.StatusOK,
				ProviderStatus: &providerOK,
				ErrorCode:      errTypeInternal,
				ErrorMessage:   "client disconnected",
				Streamed:       true,
				Partial:        true,
			})
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// streamScan picks usage and model out of the SSE lines as they pass
// through, for the usage ledger. The audit collector keeps its own copy
// for the persisted record.
type streamScan struct {
	usage    audit.TokenUsage
	hasUsage bool
	model    string
}

func (sc *streamScan) observe(line string) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok || data == "[DONE]" || !gjson.Valid(data) {
		return
	}
	if sc.model == "" {
		sc.model = gjson.Get(data, "model").String()
	}
	if u, ok := audit.UsageFromJSON(data); ok && u.Total >= sc.usage.Total {
		sc.usage = u
		sc.hasUsage = true
	}
}

func (sc *streamScan) usagePtr() *audit.TokenUsage {
	if !sc.hasUsage {
		return nil
	}
	u := sc.usage
	return &u
}
