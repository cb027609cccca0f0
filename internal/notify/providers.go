package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New picks a provider by kind: log (default), noop, fail, webhook, or a
// bare http(s) URL treated as a webhook.
func New(kind, webhookURL, webhookToken string, logger zerolog.Logger) Notifier {
	switch kind {
	case "", "stub", "log":
		return NewLogNotifier(logger)
	case "noop":
		return noopNotifier{}
	case "fail":
		return failNotifier{}
	case "webhook":
		if webhookURL == "" {
			return NewLogNotifier(logger)
		}
		return NewWebhookNotifier(webhookURL, webhookToken)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return NewWebhookNotifier(kind, webhookToken)
		}
		return NewLogNotifier(logger)
	}
}

type logNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) Notifier {
	return logNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n logNotifier) Notify(ctx context.Context, a Announcement) error {
	n.logger.Info().
		Str("kind", string(a.Kind)).
		Str("queue_id", a.QueueID).
		Int("token_number", a.TokenNumber).
		Msg(a.Message)
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, a Announcement) error {
	return nil
}

type failNotifier struct{}

func (failNotifier) Notify(ctx context.Context, a Announcement) error {
	return errors.New("provider failure")
}

type webhookNotifier struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookNotifier(url, token string) Notifier {
	return webhookNotifier{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n webhookNotifier) Notify(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected announcement: status %d", resp.StatusCode)
	}
	return nil
}
