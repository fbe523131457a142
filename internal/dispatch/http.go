package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// userAgent identifies webhook requests from this service.
const userAgent = "timer-platform/0.1.0"

// webhookClient posts timer payloads to caller-provided URLs.
type webhookClient struct {
	client  *http.Client
	timeout time.Duration
}

func newWebhookClient(timeout time.Duration) *webhookClient {
	return &webhookClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// send issues the POST and classifies the result. The returned error text
// is recorded verbatim in last_error. Any status in [200, 300) is success.
func (w *webhookClient) send(ctx context.Context, cb *timer.HTTPCallback) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(cb.Payload))
	if err != nil {
		return &callbackError{msg: "Request error: " + err.Error()}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range timer.StringHeaders(cb.Headers) {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &callbackError{msg: fmt.Sprintf("Connection timeout after %s", w.timeout)}
		}
		return &callbackError{msg: "Connection error: " + err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &callbackError{msg: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
}

func isTimeout(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
