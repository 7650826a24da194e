// Package mailtester wraps the MailTester.ninja verification API behind the
// domain.EmailVerifier port. The client owns a sliding-window rate limiter
// (35 requests per 30s on the Pro plan), a 429 retry policy, and the
// response-code decoder.
package mailtester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

const (
	// DefaultBaseURL is the vendor verification endpoint.
	DefaultBaseURL = "https://happy.mailtester.ninja/ninja"

	defaultWindowMax = 35
	defaultWindow    = 30 * time.Second

	// maxRetries counts additional attempts after a 429 answer.
	maxRetries = 2
	// baseRetryDelay sits just past the vendor's rate-limit window.
	baseRetryDelay = 31 * time.Second
)

// Client verifies addresses against MailTester.ninja. Safe for concurrent
// use; all goroutines sharing a Client share its request window.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *slidingWindow

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, mainly for tests.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.httpc.Timeout = d } }

// WithWindow overrides the sliding-window limiter parameters.
func WithWindow(max int, window time.Duration) Option {
	return func(c *Client) { c.limiter = newSlidingWindow(max, window) }
}

// New constructs a Client with a 10s request timeout and the vendor's
// documented 35-per-30s window.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		limiter: newSlidingWindow(defaultWindowMax, defaultWindow),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// apiResponse is the vendor's wire format.
type apiResponse struct {
	Email       string `json:"email"`
	User        string `json:"user"`
	Domain      string `json:"domain"`
	MX          string `json:"mx"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Connections int    `json:"connections"`
}

// Verify checks one address. Vendor trouble never surfaces as an error: rate
// limit exhaustion, auth failure and transport problems all map to a result
// with status unknown (or invalid for timeouts) so callers can keep going.
func (c *Client) Verify(ctx domain.Context, email string) (domain.VerificationResult, error) {
	tracer := otel.Tracer("verifier.mailtester")
	ctx, span := tracer.Start(ctx, "mailtester.Verify")
	defer span.End()

	for attempt := 0; ; attempt++ {
		if err := c.limiter.wait(ctx); err != nil {
			return domain.VerificationResult{}, fmt.Errorf("op=verify.wait: %w", err)
		}

		res, retry, err := c.doRequest(ctx, email)
		if err != nil {
			return domain.VerificationResult{}, err
		}
		if !retry {
			observability.ObserveVerification(string(res.Status))
			return res, nil
		}

		// 429 from the vendor: back off past the remote window, doubling each
		// additional attempt.
		if attempt >= maxRetries {
			observability.ObserveVerification("rate_limited")
			return domain.VerificationResult{
				Email:         email,
				Status:        domain.VerificationUnknown,
				Reason:        "rate limit exceeded after maximum retries",
				IsRateLimited: true,
			}, nil
		}
		delay := baseRetryDelay * (1 << attempt)
		if err := c.sleep(ctx, delay); err != nil {
			return domain.VerificationResult{}, fmt.Errorf("op=verify.backoff: %w", err)
		}
	}
}

// doRequest performs one HTTP exchange. retry=true means the vendor answered
// 429 and the caller should apply the retry policy.
func (c *Client) doRequest(ctx context.Context, email string) (res domain.VerificationResult, retry bool, err error) {
	q := url.Values{}
	q.Set("email", email)
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return domain.VerificationResult{}, false, fmt.Errorf("op=verify.request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.VerificationResult{}, false, fmt.Errorf("op=verify: %w", ctx.Err())
		}
		if isTimeout(err) {
			// A candidate that cannot be probed in time is treated as dead,
			// not as a service outage.
			return domain.VerificationResult{
				Email:  email,
				Status: domain.VerificationInvalid,
				Reason: "email validation timed out",
			}, false, nil
		}
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationUnknown,
			Reason: err.Error(),
		}, false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.VerificationResult{}, true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationUnknown,
			Reason: "authentication failed",
		}, false, nil
	case resp.StatusCode != http.StatusOK:
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationUnknown,
			Reason: fmt.Sprintf("HTTP error: %d", resp.StatusCode),
		}, false, nil
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationUnknown,
			Reason: "malformed vendor response",
		}, false, nil
	}
	return decode(email, body), false, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}
