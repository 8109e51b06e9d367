package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
)

// Operation names the upstream call being relayed.
type Operation string

const (
	OpChat      Operation = "chat"
	OpResponses Operation = "responses"
	OpModels    Operation = "models"
)

func (op Operation) Path() string {
	switch op {
	case OpChat:
		return "/v1/chat/completions"
	case OpResponses:
		return "/v1/responses"
	case OpModels:
		return "/v1/models"
	}
	return ""
}

func (op Operation) method() string {
	if op == OpModels {
		return http.MethodGet
	}
	return http.MethodPost
}

func (op Operation) needsModel() bool {
	return op == OpChat || op == OpResponses
}

// Error is a terminal upstream failure surfaced to the caller.
type Error struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

func newError(status int, message string) *Error {
	return &Error{StatusCode: status, Message: message, Type: "provider_error"}
}

// Response is a completed non-streaming upstream exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

const maxResponseBytes = 16 << 20

// Adapter forwards requests to the single configured upstream. The HTTP
// connection pool is shared across all requests; non-streaming calls retry
// with exponential backoff, streaming calls never retry past the handshake.
type Adapter struct {
	cfg          config.ProviderConfig
	client       *http.Client
	streamClient *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAdapter(cfg config.ProviderConfig) *Adapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		MaxConnsPerHost:       100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: timeout},
		// No overall timeout: a healthy stream may outlive any fixed budget.
		streamClient: &http.Client{Transport: transport},
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// prepareBody injects the configured default model when the operation
// requires one and the caller left it out.
func (a *Adapter) prepareBody(op Operation, body []byte) []byte {
	if !op.needsModel() || len(body) == 0 {
		return body
	}
	if gjson.GetBytes(body, "model").String() != "" {
		return body
	}
	if a.cfg.DefaultModel == "" {
		return body
	}
	out, err := sjson.SetBytes(body, "model", a.cfg.DefaultModel)
	if err != nil {
		return body
	}
	return out
}

// buildURL joins the configured base with the operation path. A base that
// already ends in the completions path is used verbatim.
func (a *Adapter) buildURL(op Operation) (string, error) {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid provider base_url: %w", err)
	}
	reqPath := op.Path()
	if strings.HasSuffix(u.Path, reqPath) || (op == OpChat && strings.HasSuffix(u.Path, "/chat/completions")) {
		return u.String(), nil
	}
	u.Path = joinUpstreamPath(u.Path, reqPath)
	return u.String(), nil
}

// joinUpstreamPath avoids doubling the /v1 segment when the base carries it.
func joinUpstreamPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(req, "/v1/") {
		return path.Join(base, strings.TrimPrefix(req, "/v1/"))
	}
	return path.Join(base, req)
}

func (a *Adapter) newRequest(ctx context.Context, op Operation, body []byte) (*http.Request, error) {
	target, err := a.buildURL(op)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, op.method(), target, rd)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	// The caller's credential never crosses to the upstream.
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	req.Header.Set("User-Agent", "llm-relay/1.0")
	return req, nil
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// backoff returns the wait before the next try after 0-indexed attempt.
func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Do executes a non-streaming call with up to max_retries+1 attempts.
// Client errors (4xx other than 429) pass through untouched on the first
// response; retryable failures exhaust the budget and surface as a 502
// provider error carrying the last failure's message.
func (a *Adapter) Do(ctx context.Context, op Operation, body []byte) (*Response, error) {
	body = a.prepareBody(op, body)
	maxRetries := a.cfg.MaxRetries
	lastMsg := ""

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := a.newRequest(ctx, op, body)
		if err != nil {
			return nil, newError(http.StatusBadGateway, err.Error())
		}
		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastMsg = fmt.Sprintf("provider request failed: %v", err)
			if attempt < maxRetries {
				wait := backoff(attempt)
				log.Warn("provider request failed, retrying",
					"attempt", attempt+1, "of", maxRetries+1, "wait", wait, "err", err)
				if serr := a.sleep(ctx, wait); serr != nil {
					return nil, serr
				}
				continue
			}
			break
		}
		b, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			lastMsg = fmt.Sprintf("read provider response: %v", readErr)
			if attempt < maxRetries {
				if serr := a.sleep(ctx, backoff(attempt)); serr != nil {
					return nil, serr
				}
				continue
			}
			break
		}
		if retryable(resp.StatusCode) {
			lastMsg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
			if attempt < maxRetries {
				wait := backoff(attempt)
				log.Warn("provider returned retryable status",
					"status", resp.StatusCode, "attempt", attempt+1, "of", maxRetries+1, "wait", wait)
				if serr := a.sleep(ctx, wait); serr != nil {
					return nil, serr
				}
				continue
			}
			break
		}
		// Terminal: success or a client error passed through verbatim.
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: b}, nil
	}
	if lastMsg == "" {
		lastMsg = "unknown provider error"
	}
	return nil, newError(http.StatusBadGateway, lastMsg)
}

// LineStream is a forward-only, consume-once sequence of non-empty
// upstream lines. Close releases the underlying connection; it is safe to
// call after the stream ends and must be called when abandoning the stream
// early.
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next non-empty line or io.EOF when the upstream closes.
func (s *LineStream) Next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *LineStream) Close() error {
	return s.body.Close()
}

// Stream opens a streaming call. A non-200 handshake reads the error body
// and fails with the upstream status; there is no retry, and once lines
// flow no mid-stream retry occurs either.
func (a *Adapter) Stream(ctx context.Context, op Operation, body []byte) (*LineStream, error) {
	body = a.prepareBody(op, body)
	if out, err := sjson.SetBytes(body, "stream", true); err == nil {
		body = out
	}
	req, err := a.newRequest(ctx, op, body)
	if err != nil {
		return nil, newError(http.StatusBadGateway, err.Error())
	}
	resp, err := a.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(http.StatusBadGateway, fmt.Sprintf("provider streaming request failed: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		return nil, newError(resp.StatusCode,
			fmt.Sprintf("provider streaming error: %s", strings.TrimSpace(string(b))))
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	return &LineStream{body: resp.Body, scanner: sc}, nil
}
