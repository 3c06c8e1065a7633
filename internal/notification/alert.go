package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/bounty-escrow/internal/logger"
)

// Alerter поднимает алерт для операторов.
type Alerter interface {
	Alert(ctx context.Context, title string, fields map[string]any)
}

// LogAlerter пишет алерт в лог с уровнем error.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, title string, fields map[string]any) {
	logger.Log.WithFields(logrus.Fields(fields)).WithField("alert", true).Error(title)
}

// SlackAlerter отправляет алерт в Slack incoming webhook и дублирует его в лог.
type SlackAlerter struct {
	webhookURL string
	httpClient *http.Client
	now        func() time.Time
}

func NewSlackAlerter(webhookURL string, client *http.Client) *SlackAlerter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &SlackAlerter{webhookURL: webhookURL, httpClient: client, now: time.Now}
}

// NewAlerter выбирает Slack, если задан webhook, иначе лог.
func NewAlerter(slackWebhookURL string) Alerter {
	if slackWebhookURL == "" {
		return LogAlerter{}
	}
	return NewSlackAlerter(slackWebhookURL, nil)
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func (a *SlackAlerter) Alert(ctx context.Context, title string, fields map[string]any) {
	LogAlerter{}.Alert(ctx, title, fields)

	if err := a.send(ctx, title, fields); err != nil {
		logger.Log.WithError(err).Warn("notification: не удалось отправить алерт в Slack")
	}
}

func (a *SlackAlerter) send(ctx context.Context, title string, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	section := slackBlock{Type: "section"}
	for _, k := range keys {
		section.Fields = append(section.Fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%v", k, fields[k])})
	}
	section.Fields = append(section.Fields, slackText{Type: "mrkdwn", Text: "*time:*\n" + a.now().Format(time.RFC822)})

	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: title, Emoji: true}},
		section,
	}}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack: status %d", resp.StatusCode)
	}
	return nil
}
