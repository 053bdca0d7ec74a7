// Package notify posts run alerts to Slack incoming webhooks.
package notify

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

// Kind selects the alert template and webhook.
type Kind string

const (
	KindFailure     Kind = "failure"
	KindDataQuality Kind = "data_quality"
	KindInfo        Kind = "info"
)

// Alert describes one failed or skipped pipeline step.
type Alert struct {
	Kind          Kind
	Pipeline      string
	RunID         string
	Step          string
	Error         string
	ExecutionDate time.Time
	URL           string
}

// Text renders the Slack message body.
func (a Alert) Text() string {
	date := a.ExecutionDate.UTC().Format(time.RFC3339)
	switch a.Kind {
	case KindDataQuality:
		return fmt.Sprintf("Data Quality Alert - Pipeline: *%s* | Feature Set: *%s* :fail:\n*Execution date*: %s\n*Run ID*: %s\n*Error message*: %s\n*URL*: %s",
			a.Pipeline, a.Step, date, a.RunID, a.Error, a.URL)
	case KindInfo:
		return fmt.Sprintf(":information_source: Pipeline: *%s* | Step: *%s*\n*Execution date*: %s\n*Run ID*: %s\n*Message*: %s\n*URL*: %s",
			a.Pipeline, a.Step, date, a.RunID, a.Error, a.URL)
	default:
		return fmt.Sprintf(":alert: Look this - Pipeline: *%s* | Step: *%s* failed :fail:\n*Execution date*: %s\n*Run ID*: %s\n*Error message*: %s\n*URL*: %s",
			a.Pipeline, a.Step, date, a.RunID, a.Error, a.URL)
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Config holds the webhook endpoints.
type Config struct {
	WebhookURL            string
	DataQualityWebhookURL string
	BaseURL               string
	Pipeline              string
	Retries               int
	RetryDelay            time.Duration
}

// Slack posts alerts to incoming webhooks.
type Slack struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ Notifier = (*Slack)(nil)

func NewSlack(cfg Config) *Slack {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Slack{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.With("component", "notify"),
	}
}

// Notify sends the alert. Data-quality alerts use their own webhook when one
// is configured. Without any webhook the alert is only logged.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	if a.Pipeline == "" {
		a.Pipeline = s.cfg.Pipeline
	}
	if a.URL == "" {
		a.URL = s.cfg.BaseURL
	}
	if a.ExecutionDate.IsZero() {
		a.ExecutionDate = time.Now()
	}

	url := s.cfg.WebhookURL
	if a.Kind == KindDataQuality && s.cfg.DataQualityWebhookURL != "" {
		url = s.cfg.DataQualityWebhookURL
	}
	if url == "" {
		s.logger.Warn("no webhook configured, alert not sent", "kind", a.Kind, "step", a.Step, "error", a.Error)
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": a.Text()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.postWithRetry(ctx, url, body); err != nil {
		return fmt.Errorf("send %s alert: %w", a.Kind, err)
	}
	return nil
}

// postWithRetry makes up to cfg.Retries attempts, doubling the wait after
// each failure.
func (s *Slack) postWithRetry(ctx context.Context, url string, body []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return s.post(ctx, url, body)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("webhook post failed, retrying", "attempt", attempt, "retries", s.cfg.Retries, "delay", wait, "error", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.Retries-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("all %d attempts failed: %w", attempt, err)
	}
	return nil
}

func (s *Slack) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Notify(context.Context, Alert) error { return nil }
