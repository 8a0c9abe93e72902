// Package gateway is the HTTP client for the extraction backend. Every call
// goes through Client.Call, which owns the retry and backoff policy and turns
// failures into *APIError values.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/tableforge/pkg/logger"
)

const (
	EndpointUpload  = "/documentupload_pdf"
	EndpointTrigger = "/tasktrigger_task"
	EndpointFetch   = "/taskfetch_output"
	EndpointChat    = "/chat_llm_query"

	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultTimeout     = 60 * time.Second
)

// Envelope is a decoded JSON object response.
type Envelope map[string]json.RawMessage

// Request describes one logical call. Body is invoked once per attempt so
// that streamed payloads are rebuilt for every retry; it may be nil.
type Request struct {
	Endpoint string
	Query    url.Values
	Body     func() (io.Reader, string, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	sleep       Sleeper
	log         logger.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for the backend rooted at baseURL
// (e.g. http://127.0.0.1:8000/api).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		sleep:       sleepContext,
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("gateway")
	return c
}

// Call performs req with retries. Transport errors, non-2xx responses,
// undecodable bodies and bodies with success == false all count as a failed
// attempt. After a failed attempt i (0-based) the client waits
// BackoffBase * 2^i unless it was the last attempt.
func (c *Client) Call(ctx context.Context, req Request) (Envelope, error) {
	var lastErr *APIError
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		env, apiErr := c.attempt(ctx, req)
		if apiErr == nil {
			if attempt > 0 {
				c.log.Info("Call succeeded after retry",
					logger.String("endpoint", req.Endpoint),
					logger.Int("attempt", attempt+1))
			}
			return env, nil
		}
		apiErr.Attempts = attempt + 1
		lastErr = apiErr

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		delay := c.backoffBase * time.Duration(1<<attempt)
		c.log.Warn("Call failed, retrying",
			logger.String("endpoint", req.Endpoint),
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff", delay),
			logger.String("error", apiErr.Message))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	c.log.Error("Call failed",
		logger.String("endpoint", req.Endpoint),
		logger.Int("attempts", lastErr.Attempts),
		logger.String("error", lastErr.Message))
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request) (Envelope, *APIError) {
	fail := func(status int, msg string, cause error) *APIError {
		return &APIError{Endpoint: req.Endpoint, StatusCode: status, Message: msg, Cause: cause}
	}

	target := c.baseURL + req.Endpoint
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	if req.Body != nil {
		var err error
		body, contentType, err = req.Body()
		if err != nil {
			return nil, fail(0, fmt.Sprintf("build request body: %v", err), err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fail(0, fmt.Sprintf("create request: %v", err), err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fail(0, err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Sprintf("read response: %v", err), err)
	}

	var env Envelope
	decodeErr := json.Unmarshal(raw, &env)
	ok := resp.StatusCode/100 == 2

	switch {
	case !ok:
		return nil, fail(resp.StatusCode, failureMessage(env, resp.StatusCode), nil)
	case decodeErr != nil:
		return nil, fail(resp.StatusCode, fmt.Sprintf("invalid JSON response: %v", decodeErr), decodeErr)
	case isExplicitFailure(env):
		return nil, fail(resp.StatusCode, failureMessage(env, resp.StatusCode), nil)
	}
	return env, nil
}

func isExplicitFailure(env Envelope) bool {
	raw, ok := env["success"]
	if !ok {
		return false
	}
	var success bool
	if err := json.Unmarshal(raw, &success); err != nil {
		return false
	}
	return !success
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UploadDocument sends the file as multipart field "file" and returns the
// backend document id.
func (c *Client) UploadDocument(ctx context.Context, filename string, content []byte) (string, error) {
	partType := mimetype.Detect(content).String()
	env, err := c.Call(ctx, Request{
		Endpoint: EndpointUpload,
		Body: func() (io.Reader, string, error) {
			return multipartBody(filename, partType, content)
		},
	})
	if err != nil {
		return "", err
	}
	id, ok := ExtractID(env)
	if !ok {
		return "", &ContractError{Endpoint: EndpointUpload, Op: "upload", Field: "identifier"}
	}
	c.log.Debug("Document uploaded", logger.String("filename", filename), logger.String("docId", id))
	return id, nil
}

func multipartBody(filename, partType string, content []byte) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", partType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// TriggerTask starts extraction of an uploaded document and returns the
// backend task id.
func (c *Client) TriggerTask(ctx context.Context, docID string) (string, error) {
	env, err := c.Call(ctx, Request{
		Endpoint: EndpointTrigger,
		Query:    url.Values{"docs": {docID}},
	})
	if err != nil {
		return "", err
	}
	id, ok := ExtractID(env)
	if !ok {
		return "", &ContractError{Endpoint: EndpointTrigger, Op: "trigger", Field: "identifier"}
	}
	c.log.Debug("Task triggered", logger.String("docId", docID), logger.String("taskId", id))
	return id, nil
}

// FetchOutput returns the current status and output of a backend task.
func (c *Client) FetchOutput(ctx context.Context, taskID string) (TaskReport, error) {
	env, err := c.Call(ctx, Request{
		Endpoint: EndpointFetch,
		Query:    url.Values{"task_id": {taskID}},
	})
	if err != nil {
		return TaskReport{}, err
	}
	report, ok := reportFrom(env)
	if !ok {
		return TaskReport{}, &ContractError{Endpoint: EndpointFetch, Op: "fetch", Field: "status"}
	}
	return report, nil
}

// ChatQuery asks a natural-language question over the named tables.
func (c *Client) ChatQuery(ctx context.Context, query string, tables []string) (string, error) {
	q := url.Values{"query": {query}}
	for _, name := range tables {
		q.Add("table_names", name)
	}
	env, err := c.Call(ctx, Request{Endpoint: EndpointChat, Query: q})
	if err != nil {
		return "", err
	}
	raw, ok := env["response"]
	if !ok {
		return "", &ContractError{Endpoint: EndpointChat, Op: "chat query", Field: "response"}
	}
	return textOf(raw), nil
}

// IsContractError reports whether err carries a *ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}
