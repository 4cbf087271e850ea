package stage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/runner"
)

const maxResponseBytes = 1 << 20

// HTTPOption customizes an HTTPStep.
type HTTPOption func(*HTTPStep)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStep) {
		if c != nil {
			s.client = c
		}
	}
}

// WithBody sends body JSON encoded unless it is already []byte.
func WithBody(body any) HTTPOption {
	return func(s *HTTPStep) {
		s.body = body
	}
}

// WithBodyKey reads the request body from the scratch space.
func WithBodyKey(key string) HTTPOption {
	return func(s *HTTPStep) {
		s.bodyKey = key
	}
}

// WithResponseKey stores the response body ([]byte) in the scratch space.
func WithResponseKey(key string) HTTPOption {
	return func(s *HTTPStep) {
		s.responseKey = key
	}
}

func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPStep) {
		s.headers.Set(key, value)
	}
}

// WithHTTPRetries retries retryable failures up to n extra times.
func WithHTTPRetries(n int, strategy runner.RetryStrategy) HTTPOption {
	return func(s *HTTPStep) {
		s.retries = n
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// HTTPStep sends one request and expects a 2xx answer.
type HTTPStep struct {
	name        string
	method      string
	url         string
	client      *http.Client
	headers     http.Header
	body        any
	bodyKey     string
	responseKey string
	retries     int
	strategy    runner.RetryStrategy
}

func NewHTTPStep(name, method, url string, opts ...HTTPOption) *HTTPStep {
	s := &HTTPStep{
		name:     name,
		method:   method,
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  make(http.Header),
		strategy: runner.ExponentialBackoffStrategy{Base: 200 * time.Millisecond, Factor: 2, Max: 5 * time.Second},
	}
	if s.method == "" {
		s.method = http.MethodPost
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *HTTPStep) Name() string { return s.name }

func (s *HTTPStep) Execute(ctx context.Context, rc *RuntimeContext) StepResult {
	payload, err := s.payload(rc)
	if err != nil {
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeValidation).WithRetryable(false))
	}

	h := runner.NewHandler(
		runner.WithMaxRetries(s.retries),
		runner.WithRetryStrategy(runner.RetryIfStrategy{Strategy: s.strategy, Retryable: retryableFailure}),
	)

	var body []byte
	err = h.Run(ctx, func(ctx context.Context, _ int) error {
		var info *rollout.FailureInfo
		body, info = Do(ctx, s.client, s.method, s.url, s.headers, payload)
		if info != nil {
			return info
		}
		return nil
	})
	if err != nil {
		var fi *rollout.FailureInfo
		if stderrors.As(err, &fi) {
			return Fail(fi)
		}
		return Fail(rollout.FailureFromError(err, rollout.ErrorTypeNetwork))
	}

	if s.responseKey != "" {
		rc.Put(s.responseKey, body)
	}
	return Ok()
}

func (s *HTTPStep) payload(rc *RuntimeContext) ([]byte, error) {
	src := s.body
	if s.bodyKey != "" {
		v, ok := rc.Get(s.bodyKey)
		if !ok {
			return nil, fmt.Errorf("%s: scratch key %q not set", s.name, s.bodyKey)
		}
		src = v
	}
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// Do performs one request and classifies the outcome: transport errors are
// NETWORK_ERROR (or TIMEOUT_ERROR on deadline), 5xx SERVICE_UNAVAILABLE and
// any other non-2xx BUSINESS_ERROR.
func Do(ctx context.Context, client *http.Client, method, url string, headers http.Header, payload []byte) ([]byte, *rollout.FailureInfo) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, rollout.FailureFromError(err, rollout.ErrorTypeValidation).WithRetryable(false)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, rollout.FailureFromError(ctxErr, rollout.ErrorTypeTimeout)
		}
		return nil, rollout.FailureFromError(err, rollout.ErrorTypeNetwork)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	meta := map[string]any{"status_code": resp.StatusCode, "method": method, "url": url}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		return body, rollout.Failuref(rollout.ErrorTypeServiceUnavailable, "%s %s: %s", method, url, resp.Status).WithMetadata(meta)
	default:
		return body, rollout.Failuref(rollout.ErrorTypeBusiness, "%s %s: %s", method, url, resp.Status).WithMetadata(meta)
	}
}

// HTTPStatusCondition polls URL until it answers 2xx. Server errors and
// transport failures mean "not ready yet"; other statuses stop polling.
type HTTPStatusCondition struct {
	Client *http.Client
	URL    string
}

func (c HTTPStatusCondition) Check(ctx context.Context, _ *RuntimeContext) (bool, error) {
	_, info := Do(ctx, c.Client, http.MethodGet, c.URL, nil, nil)
	if info == nil {
		return true, nil
	}
	if info.Type == rollout.ErrorTypeBusiness {
		return false, info
	}
	return false, nil
}
