package service

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// RequestFactory builds a fresh request for each attempt so that request
// bodies can be resent after a failure.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// RetryFunc observes retry attempts before the backoff wait begins.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Transport wraps a single external call with timeout, bounded retry and
// exponential backoff with jitter. Transient failures (timeout, connection
// reset, 429, 5xx) are retried; 4xx validation and auth failures fail
// immediately.
type Transport struct {
	Client     *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	OnRetry    RetryFunc
}

func NewTransport(timeout time.Duration, maxRetries int) *Transport {
	return &Transport{
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		BaseDelay:  3 * time.Second,
	}
}

// Do executes the call, retrying transient failures up to MaxRetries total
// attempts. On success the caller owns the response body.
func (t *Transport) Do(ctx context.Context, build RequestFactory) (*http.Response, error) {
	maxAttempts := t.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *TransportError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Kind: KindCancelled, Message: err.Error(), Attempts: attempt, cause: err}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, &TransportError{Kind: KindPermanent, Message: "build request: " + err.Error(), Attempts: attempt, cause: err}
		}

		resp, err := t.Client.Do(req)
		rateLimited := false
		switch {
		case err != nil:
			lastErr = classifyNetError(err, attempt)
			if lastErr.Kind == KindCancelled || lastErr.Kind == KindPermanent {
				return nil, lastErr
			}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			rateLimited = resp.StatusCode == http.StatusTooManyRequests
			lastErr = &TransportError{
				Kind:     KindTransient,
				Message:  "status " + resp.Status + ": " + readErrorBody(resp.Body),
				Attempts: attempt,
			}
			resp.Body.Close()
		default:
			msg := "status " + resp.Status + ": " + readErrorBody(resp.Body)
			resp.Body.Close()
			return nil, &TransportError{Kind: KindPermanent, Message: msg, Attempts: attempt}
		}

		if attempt == maxAttempts {
			break
		}

		delay := t.backoff(attempt, rateLimited)
		if t.OnRetry != nil {
			t.OnRetry(attempt, delay, lastErr)
		}
		log.Printf("[Transport] attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransportError{Kind: KindCancelled, Message: ctx.Err().Error(), Attempts: attempt, cause: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// backoff doubles per attempt, tripling instead when the service is rate
// limiting, plus up to one base delay of jitter.
func (t *Transport) backoff(attempt int, rateLimited bool) time.Duration {
	base := t.BaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	multiplier := 2.0
	if rateLimited {
		multiplier = 3.0
	}
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	return time.Duration(delay) + jitter
}

func classifyNetError(err error, attempt int) *TransportError {
	if errors.Is(err, context.Canceled) {
		return &TransportError{Kind: KindCancelled, Message: err.Error(), Attempts: attempt, cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Message: err.Error(), Attempts: attempt, cause: err}
	}
	// connection reset, refused, DNS hiccups: worth another try
	return &TransportError{Kind: KindTransient, Message: err.Error(), Attempts: attempt, cause: err}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
