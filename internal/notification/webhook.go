package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/retry"
)

// WebhookDispatcher отправляет события на внешний сервис доставки (push, email).
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
	policy     retry.Policy
	now        func() time.Time
}

func NewWebhookDispatcher(url string, client *http.Client, policy retry.Policy) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDispatcher{url: url, httpClient: client, policy: policy, now: time.Now}
}

type webhookPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Event  string    `json:"event"`
	Data   any       `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

func (d *WebhookDispatcher) Notify(ctx context.Context, userID uuid.UUID, eventType string, payload any) error {
	body, err := json.Marshal(webhookPayload{UserID: userID, Event: eventType, Data: payload, SentAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("notification webhook: marshal: %w", err)
	}

	return d.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("notification webhook: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("notification webhook: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("notification webhook: status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("notification webhook: status %d", resp.StatusCode))
		}
	})
}
