// Package fetch issues calls against the planning backend. It owns the
// in-flight set that de-duplicates refreshes per resource kind and the
// retry policy applied to every call.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8080/api"
	tracerName     = "github.com/agentworkforce/schediq/internal/fetch"
)

// HTTPError is returned for responses outside the 2xx range. Error reports
// the message extracted from the body.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

type Logger interface {
	Printf(format string, args ...any)
}

// RetryPolicy bounds how often a failed call is attempted. The zero value
// means two attempts with no delay between them.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 2
	}
	return p.MaxAttempts
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Logger     Logger
}

type Coordinator struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      RetryPolicy
	tracer     trace.Tracer
	logger     Logger
	metrics    *metrics
	inflight   *inflight
}

func NewCoordinator(opts Options) *Coordinator {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		retry:      opts.Retry,
		tracer:     tracer,
		logger:     opts.Logger,
		metrics:    newMetrics(opts.Registerer),
		inflight:   newInflight(),
	}
}

// TryAcquire claims the refresh slot for key. The returned release func is
// safe to call more than once.
func (c *Coordinator) TryAcquire(key string) (func(), bool) {
	release, ok := c.inflight.tryAcquire(key)
	if !ok {
		c.metrics.deduplicated.WithLabelValues(key).Inc()
		return func() {}, false
	}
	return release, true
}

// InFlight reports whether key currently holds the refresh slot.
func (c *Coordinator) InFlight(key string) bool {
	return c.inflight.has(key)
}

// Call performs method on path, relative to the base URL, with body encoded as
// JSON. A 2xx response with an empty or non-JSON body returns (nil, nil).
func (c *Coordinator) Call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	ctx, span := c.tracer.Start(ctx, "schediq.fetch "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("schediq.path", path),
		),
	)
	defer span.End()

	started := time.Now()
	attempts := c.retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := c.do(ctx, method, path, bodyBytes)
		if err == nil {
			c.observe(method, "success", started)
			span.SetAttributes(attribute.Int("schediq.attempts", attempt))
			return payload, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < attempts {
			c.metrics.retries.Inc()
			c.logf("fetch: %s %s failed (attempt %d/%d): %v", method, path, attempt, attempts, err)
			if waitErr := waitWithContext(ctx, c.retry.Delay); waitErr != nil {
				lastErr = waitErr
				break
			}
		}
	}
	c.observe(method, "failure", started)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *Coordinator) do(ctx context.Context, method, path string, bodyBytes []byte) (json.RawMessage, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Message:    errorMessage(resp, payload),
		}
	}
	if readErr != nil {
		return nil, readErr
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, nil
	}
	return json.RawMessage(payload), nil
}

func (c *Coordinator) observe(method, outcome string, started time.Time) {
	c.metrics.requests.WithLabelValues(method, outcome).Inc()
	c.metrics.duration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// errorMessage picks the first non-empty of error, message,
// supabase_error.message and supabase_error.hint, falling back to the status.
func errorMessage(resp *http.Response, payload []byte) string {
	fallback := fmt.Sprintf("Server %d: %s", resp.StatusCode, statusText(resp))
	var body struct {
		Error         any    `json:"error"`
		Message       string `json:"message"`
		SupabaseError *struct {
			Message string `json:"message"`
			Hint    string `json:"hint"`
		} `json:"supabase_error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fallback
	}
	if msg, ok := body.Error.(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	if body.Message != "" {
		return body.Message
	}
	if body.SupabaseError != nil {
		if body.SupabaseError.Message != "" {
			return body.SupabaseError.Message
		}
		if body.SupabaseError.Hint != "" {
			return body.SupabaseError.Hint
		}
	}
	return fallback
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
}

func correlationID() string {
	return "schediq_" + uuid.NewString()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ResourcePath joins collection with URL-escaped segments.
func ResourcePath(collection string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/" + strings.Trim(collection, "/"))
	for _, segment := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}
