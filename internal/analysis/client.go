// Package analysis uploads canonical recordings to the acoustic analysis
// service and decodes its feature response.
//
// The service is addressed by one primary base URL and optional fallbacks;
// each endpoint sits behind its own circuit breaker.
package analysis

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
	"strings"
	"time"

	"github.com/MrWong99/soundlearn/internal/observe"
	"github.com/MrWong99/soundlearn/internal/resilience"
)

const (
	analyzePath   = "/audio/analyze"
	formField     = "file"
	formFileName  = "recording.wav"
	maxErrorBody  = 4 << 10
	maxResultBody = 8 << 20
)

// ErrUnavailable is returned when no endpoint could be reached.
var ErrUnavailable = errors.New("analysis: service unavailable")

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Default: 30 s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithFallbacks adds base URLs tried, in order, when the primary fails.
func WithFallbacks(urls ...string) Option {
	return func(c *Client) { c.fallbacks = append(c.fallbacks, urls...) }
}

// WithBreaker sets the per-endpoint circuit breaker limits.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(c *Client) {
		c.breaker.MaxFailures = maxFailures
		c.breaker.ResetTimeout = resetTimeout
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the analysis service. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	fallbacks []string
	breaker   resilience.CircuitBreakerConfig
	metrics   *observe.Metrics
	group     *resilience.FallbackGroup[string]
}

// New returns a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("analysis: base URL must not be empty")
	}
	c := &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.CircuitBreakerConfig{
			IsFailure: isFailure,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.group = resilience.NewFallbackGroup(baseURL, normalizeBase(baseURL), c.breaker)
	for _, u := range c.fallbacks {
		if u == "" {
			continue
		}
		c.group.Add(u, normalizeBase(u))
	}
	return c, nil
}

// Available reports whether at least one endpoint's breaker admits calls.
func (c *Client) Available() bool { return c.group.Available() }

// Breakers returns the breaker state of every endpoint by base URL.
func (c *Client) Breakers() map[string]resilience.State { return c.group.States() }

// Analyze uploads a canonical WAV container and returns the decoded features.
// A non-2xx answer yields a [*StatusError] carrying the response text.
func (c *Client) Analyze(ctx context.Context, wav []byte) (*Response, error) {
	ctx, span := observe.StartSpan(ctx, "analysis.analyze")
	resp, err := resilience.Execute(ctx, c.group, isPermanent, func(ctx context.Context, base string) (*Response, error) {
		return c.post(ctx, base, wav)
	})
	observe.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, resilience.ErrAllFailed) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, base string, wav []byte) (*Response, error) {
	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.RecordAnalysisRequest(ctx, status, time.Since(start).Seconds())
	}()

	body, contentType, err := multipartBody(wav)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+analyzePath, body)
	if err != nil {
		return nil, fmt.Errorf("analysis: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis: send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		status = fmt.Sprintf("http_%d", res.StatusCode)
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResultBody))
	if err != nil {
		return nil, fmt.Errorf("analysis: read response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		status = "invalid"
		return nil, fmt.Errorf("analysis: decode response: %w", err)
	}
	out.Raw = raw
	status = "ok"
	return &out, nil
}

// multipartBody builds the form upload with the recording in the "file" field.
func multipartBody(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, formFileName))
	h.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("analysis: create form part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", fmt.Errorf("analysis: write form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("analysis: close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func normalizeBase(u string) string { return strings.TrimRight(u, "/") }

// isFailure counts transport errors, timeouts, 5xx and 429 against an
// endpoint. A 4xx means the endpoint is healthy but refused this recording.
func isFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// isPermanent stops failover for answers another endpoint would repeat.
func isPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}
