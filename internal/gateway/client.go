// Package gateway issues requests to the invoice backend and folds every
// transport, authorization and payload failure into a uniform Result.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const maxResponseBytes = 16 << 20

// ErrInvalidRequest reports a malformed call. It is the only error Do returns.
var ErrInvalidRequest = errors.New("gateway: invalid request")

// TokenSource supplies the bearer token attached to backend calls.
type TokenSource interface {
	Token() string
}

// File is one part of a multipart upload.
type File struct {
	Field   string
	Name    string
	Content io.Reader
}

// Request describes a single backend call.
type Request struct {
	Method string
	Path   string
	Body   any
	// Bearer overrides the token from the TokenSource.
	Bearer string
	Files  []File
	// KeepSession reports 401 and 403 as application failures and leaves
	// the user session alone. Calls made with another credential set it.
	KeepSession bool
}

type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Tokens         TokenSource
	OnUnauthorized func(context.Context)
	GuardReset     time.Duration
	Logger         *slog.Logger
}

// Client talks to the invoice backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	guard   *expiryGuard
	logger  *slog.Logger

	mu             sync.RWMutex
	onUnauthorized func(context.Context)
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           httpClient,
		tokens:         cfg.Tokens,
		guard:          newExpiryGuard(cfg.GuardReset),
		logger:         logger,
		onUnauthorized: cfg.OnUnauthorized,
	}
}

// SetUnauthorizedHandler replaces the callback fired when the backend rejects
// the session.
func (c *Client) SetUnauthorizedHandler(fn func(context.Context)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (Result, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path})
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (Result, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (Result, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (Result, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// PostMultipart uploads files as multipart/form-data.
func (c *Client) PostMultipart(ctx context.Context, path string, files []File) (Result, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Files: files})
}

// Do executes req. Ordinary failures are reported through the Result; the
// error is reserved for calls that could not be built.
func (c *Client) Do(ctx context.Context, req Request) (Result, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("gateway transport failure",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Any("error", err))
		return Result{Kind: FailureTransport, Error: MsgTransport}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warn("gateway read body",
			slog.String("path", req.Path),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", err))
		return Result{Kind: FailureTransport, Error: MsgTransport, Status: resp.StatusCode}, nil
	}

	result := c.interpret(ctx, req, resp.StatusCode, body)
	c.logger.Debug("gateway request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("outcome", result.Kind.String()),
		slog.Duration("latency", time.Since(start)))
	return result, nil
}

func (c *Client) interpret(ctx context.Context, req Request, status int, body []byte) Result {
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && !req.KeepSession {
		c.signalUnauthorized(ctx)
		return Result{Kind: FailureUnauthorized, Status: status, Error: MsgUnauthorized}
	}

	trimmed := bytes.TrimSpace(body)
	if status >= 200 && status < 300 {
		if len(trimmed) == 0 {
			return Result{Success: true, Status: status}
		}
		if !json.Valid(trimmed) {
			return Result{Kind: FailureMalformed, Status: status, Error: MsgMalformed}
		}
		return Result{Success: true, Status: status, Data: json.RawMessage(trimmed)}
	}

	if len(trimmed) > 0 && json.Valid(trimmed) {
		return Result{
			Kind:   FailureApplication,
			Status: status,
			Error:  ExtractMessage(json.RawMessage(trimmed), MsgRequest),
			Data:   json.RawMessage(trimmed),
		}
	}
	return Result{
		Kind:   FailureApplication,
		Status: status,
		Error:  fmt.Sprintf("%s (HTTP %d)", MsgRequest, status),
	}
}

func (c *Client) signalUnauthorized(ctx context.Context) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	fired := c.guard.trigger(func() {
		if fn != nil {
			fn(context.WithoutCancel(ctx))
		}
	})
	if fired {
		c.logger.Info("backend rejected session")
	}
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, req.Method)
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: base url not configured", ErrInvalidRequest)
	}
	target, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrInvalidRequest, err)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case len(req.Files) > 0:
		buf, ct, err := encodeMultipart(req.Files)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	token := req.Bearer
	if token == "" && c.tokens != nil {
		token = c.tokens.Token()
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

func encodeMultipart(files []File) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for _, f := range files {
		if f.Field == "" || f.Content == nil {
			return nil, "", fmt.Errorf("%w: multipart part needs field and content", ErrInvalidRequest)
		}
		part, err := writer.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("gateway: create form file: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, "", fmt.Errorf("gateway: copy form file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("gateway: close multipart: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}
