package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPSink posts commit events to an HTTP endpoint.
type HTTPSink struct {
	endpoint   string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	log        *slog.Logger
}

// NewHTTPSink creates a sink posting to endpoint.
func NewHTTPSink(endpoint string, logger *slog.Logger) *HTTPSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSink{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		attempts:   3,
		retryDelay: time.Second,
		log:        logger,
	}
}

func (s *HTTPSink) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.Multiplier = 2
	b.MaxInterval = 30 * s.retryDelay
	b.MaxElapsedTime = 0 // bounded by the attempt count
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(max(s.attempts-1, 0)))
}

// Send posts the event, retrying server errors with exponential backoff.
// Client errors other than 408 and 429 are not retried.
func (s *HTTPSink) Send(ctx context.Context, evt *CommitEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return s.post(ctx, body)
	}, s.backOff(ctx), func(err error, delay time.Duration) {
		s.log.Warn("audit post failed, retrying",
			"attempt", attempt,
			"attempts", s.attempts,
			"delay", delay.String(),
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("post audit event after %d attempts: %w", attempt, err)
	}
	return nil
}

// post sends a single POST request to the endpoint.
func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.log.Debug("audit event posted", "endpoint", s.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if retryable(resp.StatusCode) {
		return err
	}
	return backoff.Permanent(err)
}

func retryable(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	default:
		return true
	}
}
