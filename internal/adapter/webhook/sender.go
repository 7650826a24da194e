// Package webhook delivers job completion payloads to caller-provided URLs.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/leadgen-engine/internal/adapter/observability"
	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// Sender POSTs JSON payloads. Failures are reported to the caller but carry
// no retry semantics; job state never depends on delivery.
type Sender struct {
	httpClient *http.Client
}

// New constructs a Sender with the given delivery timeout.
func New(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{httpClient: &http.Client{Timeout: timeout}}
}

// NewWithClient is the test constructor.
func NewWithClient(hc *http.Client) *Sender {
	return &Sender{httpClient: hc}
}

// Send marshals payload and POSTs it to url. Any status outside 2xx counts
// as a delivery failure.
func (s *Sender) Send(ctx domain.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=webhook.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=webhook.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		observability.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=webhook.deliver url=%s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("op=webhook.deliver url=%s: receiver returned %d", url, resp.StatusCode)
	}
	observability.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	return nil
}
