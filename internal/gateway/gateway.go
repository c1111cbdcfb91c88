// Package gateway wraps outbound REST calls to the edusora API.
//
// Every store routes its network traffic through here: the gateway attaches
// the bearer token, negotiates JSON, retries idempotent reads once, exposes a
// process-wide loading signal, and normalizes every failure into one of the
// errs sentinels before a store ever sees it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/errs"
	"github.com/edusora/edusora-go/internal/stream"
)

// retryBackoff is the pause before the single transparent GET retry.
const retryBackoff = 150 * time.Millisecond

// TokenSource supplies the current bearer token, if any. Implemented by the
// session store.
type TokenSource interface {
	Token() (string, bool)
}

// envelope is the uniform API response shape {success, data?, message?}.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Gateway is the single egress point to the remote API.
type Gateway struct {
	baseURL string
	httpc   *http.Client
	log     *zap.Logger

	mu             sync.Mutex
	tokens         TokenSource
	onUnauthorized func()
	inflight       int

	loading *stream.Stream[bool]
}

// New constructs a gateway for the given API base URL. httpc may be nil, in
// which case a client with a 30s timeout is used (the only timeout in the
// system is transport-level).
func New(baseURL string, httpc *http.Client, log *zap.Logger) *Gateway {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		log:     log,
		loading: stream.New[bool](),
	}
	g.loading.Publish(false)
	return g
}

// SetTokenSource wires the session store in after construction (the session
// store itself needs the gateway to perform auth calls).
func (g *Gateway) SetTokenSource(ts TokenSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens = ts
}

// SetUnauthorizedHook registers the callback invoked once per 401 response,
// before the error is returned to the caller.
func (g *Gateway) SetUnauthorizedHook(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnauthorized = fn
}

// Loading exposes the process-wide "requests in flight" signal. It turns true
// when any request starts and false once the last one completes; it is never
// reset directly by callers.
func (g *Gateway) Loading() *stream.Stream[bool] {
	return g.loading
}

// Get performs a GET with optional query parameters, retrying once on
// transient failure (network error or 5xx) before surfacing an error.
// The loading signal covers the whole invocation, retry backoff included.
func (g *Gateway) Get(ctx context.Context, path string, query map[string]string, out any) error {
	g.begin()
	defer g.end()
	backoff := retry.WithMaxRetries(1, retry.NewConstant(retryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := g.do(ctx, http.MethodGet, path, nil, query, out)
		if errors.Is(err, errs.ErrNetwork) || errors.Is(err, errs.ErrServer) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Post performs a POST. Mutations are never retried to avoid duplicate side effects.
func (g *Gateway) Post(ctx context.Context, path string, body, out any) error {
	g.begin()
	defer g.end()
	return g.do(ctx, http.MethodPost, path, body, nil, out)
}

// Put performs a PUT. Never retried.
func (g *Gateway) Put(ctx context.Context, path string, body, out any) error {
	g.begin()
	defer g.end()
	return g.do(ctx, http.MethodPut, path, body, nil, out)
}

// Delete performs a DELETE. Never retried.
func (g *Gateway) Delete(ctx context.Context, path string, out any) error {
	g.begin()
	defer g.end()
	return g.do(ctx, http.MethodDelete, path, nil, nil, out)
}

// authExempt reports whether the path must not carry a bearer token; login and
// register would otherwise send a stale token during re-authentication.
func authExempt(path string) bool {
	return path == "/auth/login" || path == "/auth/register"
}

// do executes exactly one outbound request and maps the outcome onto the
// error taxonomy.
func (g *Gateway) do(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	reqID := uuid.Must(uuid.NewV4()).String()
	start := time.Now()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	g.mu.Lock()
	ts := g.tokens
	hook := g.onUnauthorized
	g.mu.Unlock()
	if ts != nil && !authExempt(path) {
		if tok, ok := ts.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := g.httpc.Do(req)
	if err != nil {
		g.log.Warn("request failed",
			zap.String("req_id", reqID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s %s: %v", errs.ErrNetwork, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", errs.ErrNetwork, err)
	}

	g.log.Debug("request done",
		zap.String("req_id", reqID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return g.statusError(resp.StatusCode, raw, hook)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%w: malformed response envelope: %v", errs.ErrServer, err)
		}
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", errs.ErrValidation, serverMessage(env.Message))
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode response data: %v", errs.ErrServer, err)
		}
	}
	return nil
}

// statusError maps an HTTP failure status to its sentinel. The unauthorized
// hook runs exactly once per 401 response.
func (g *Gateway) statusError(status int, raw []byte, hook func()) error {
	var env envelope
	_ = json.Unmarshal(raw, &env)
	msg := serverMessage(env.Message)

	switch {
	case status == http.StatusUnauthorized:
		if hook != nil {
			hook()
		}
		return fmt.Errorf("%w: %s", errs.ErrUnauthenticated, msg)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", errs.ErrForbidden, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, msg)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", errs.ErrValidation, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", errs.ErrServer, status, msg)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", errs.ErrServer, status, msg)
	}
}

func serverMessage(msg string) string {
	if msg == "" {
		return "no message"
	}
	return msg
}

// begin/end maintain the in-flight counter backing the loading signal. They
// wrap the public methods, not do, so the signal stays on across a retry.
func (g *Gateway) begin() {
	g.mu.Lock()
	g.inflight++
	first := g.inflight == 1
	g.mu.Unlock()
	if first {
		g.loading.Publish(true)
	}
}

func (g *Gateway) end() {
	g.mu.Lock()
	g.inflight--
	last := g.inflight == 0
	g.mu.Unlock()
	if last {
		g.loading.Publish(false)
	}
}
