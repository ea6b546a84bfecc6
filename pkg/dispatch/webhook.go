package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookExecutor is the built-in generic provider: it POSTs the action
// payload as JSON to the URL named in the payload's "url" field.
type WebhookExecutor struct {
	client *http.Client
}

// NewWebhookExecutor creates the executor. client may be nil for a
// default with a conservative timeout; the dispatch timeout still
// applies through ctx.
func NewWebhookExecutor(client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookExecutor{client: client}
}

func (w *WebhookExecutor) Execute(ctx context.Context, actionType string, payload map[string]any) (ExecutionResult, error) {
	url, _ := payload["url"].(string)
	if url == "" {
		return ExecFatal, fmt.Errorf("webhook: payload missing url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ExecFatal, fmt.Errorf("webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ExecFatal, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pulse-Action", actionType)

	resp, err := w.client.Do(req)
	if err != nil {
		// Network-level failures are transient from the core's view.
		return ExecRetryable, fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode < 300:
		return ExecSuccess, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ExecRetryable, fmt.Errorf("webhook: provider returned %d", resp.StatusCode)
	default:
		return ExecFatal, fmt.Errorf("webhook: provider rejected with %d", resp.StatusCode)
	}
}
