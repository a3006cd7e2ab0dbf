// Package generator talks to the external story generation service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"talewise/api/internal/logger"
	"talewise/api/internal/rules"
	"talewise/api/internal/store"
)

// ErrMalformedResult marks a response that decoded but broke the page
// contract; retrying will not fix it.
var ErrMalformedResult = errors.New("generator: malformed result")

type DraftRequest struct {
	Contract rules.Contract `json:"contract"`
	Brief    rules.Brief    `json:"brief"`
}

type DraftResult struct {
	Title            string                 `json:"title"`
	Pages            []store.Page           `json:"pages"`
	GenerationConfig store.GenerationConfig `json:"generationConfig"`
}

// Validate requires at least one page, numbered 1..n in order.
func (r DraftResult) Validate() error {
	if len(r.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrMalformedResult)
	}
	for i, page := range r.Pages {
		if page.PageNumber != i+1 {
			return fmt.Errorf("%w: page %d has number %d", ErrMalformedResult, i+1, page.PageNumber)
		}
		if strings.TrimSpace(page.Text) == "" {
			return fmt.Errorf("%w: page %d is empty", ErrMalformedResult, page.PageNumber)
		}
	}
	return nil
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type RevisionRequest struct {
	Pages    []store.Page  `json:"pages"`
	Messages []ChatMessage `json:"messages"`
}

type RevisionResult struct {
	PageNumber    int    `json:"pageNumber"`
	SuggestedText string `json:"suggestedText"`
	ImagePrompt   string `json:"imagePrompt,omitempty"`
	Rationale     string `json:"rationale"`
}

type Options struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	// InitialBackoff doubles after each failed attempt; zero means one second.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
}

func NewClient(log *logger.Logger, opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing generator base url")
	}
	if log == nil {
		log = logger.Nop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Per-call deadlines come from the caller's context.
		httpClient = &http.Client{}
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		log:        log.With("service", "GeneratorClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		maxRetries: maxRetries,
		backoff:    backoff,
		httpClient: httpClient,
	}, nil
}

// Generate asks the generator for a complete draft obeying contract.
func (c *Client) Generate(ctx context.Context, req DraftRequest) (DraftResult, error) {
	var out DraftResult
	if err := c.do(ctx, http.MethodPost, "/v1/drafts", req, &out); err != nil {
		return DraftResult{}, err
	}
	if err := out.Validate(); err != nil {
		return DraftResult{}, err
	}
	return out, nil
}

// ProposeRevision asks for a single-page rewrite given the conversation so far.
func (c *Client) ProposeRevision(ctx context.Context, req RevisionRequest) (RevisionResult, error) {
	var out RevisionResult
	if err := c.do(ctx, http.MethodPost, "/v1/revisions", req, &out); err != nil {
		return RevisionResult{}, err
	}
	if strings.TrimSpace(out.SuggestedText) == "" {
		return RevisionResult{}, fmt.Errorf("%w: empty suggestion", ErrMalformedResult)
	}
	known := false
	for _, page := range req.Pages {
		if page.PageNumber == out.PageNumber {
			known = true
			break
		}
	}
	if !known {
		return RevisionResult{}, fmt.Errorf("%w: page %d does not exist", ErrMalformedResult, out.PageNumber)
	}
	return out, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("generator http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	return resp, raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("%w: decode: %v", ErrMalformedResult, uErr)
			}
			return nil
		}

		if !isRetryable(err) || attempt == c.maxRetries || ctx.Err() != nil {
			return err
		}

		sleepFor := jitter(retryAfter(resp, backoff, 10*time.Second))
		c.log.Warn("generator request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
