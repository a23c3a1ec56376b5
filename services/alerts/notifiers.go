package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market_sync_backend/models"
	"market_sync_backend/services/retry"
)

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, a models.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("type", a.Type),
		zap.String("subject", a.Subject),
		zap.String("severity", string(a.Severity)),
		zap.Float64("threshold", a.Threshold),
		zap.Float64("observed", a.ObservedValue),
	}
	switch a.Severity {
	case models.SeverityCritical:
		n.log.Error(a.Message, fields...)
	case models.SeverityWarning:
		n.log.Warn(a.Message, fields...)
	default:
		n.log.Info(a.Message, fields...)
	}
	return nil
}

// WebhookNotifier posts alerts to a Slack or Discord incoming webhook.
type WebhookNotifier struct {
	url        string
	name       string
	httpClient *http.Client
	policy     retry.Policy
}

func NewWebhookNotifier(url, name string) *WebhookNotifier {
	if name == "" {
		name = "market-sync"
	}
	return &WebhookNotifier{
		url:        url,
		name:       name,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		policy:     retry.Policy{MaxAttempts: 3, Base: time.Second, Cap: 5 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, a models.Alert) error {
	msg := fmt.Sprintf("[%s] %s %s: %s", strings.ToUpper(string(a.Severity)), a.Type, a.Subject, a.Message)
	body, err := json.Marshal(n.formatPayload(msg))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return retry.Do(ctx, n.policy, nil, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}

func (n *WebhookNotifier) formatPayload(msg string) map[string]string {
	if strings.Contains(n.url, "discord") {
		return map[string]string{
			"content":  msg,
			"username": n.name,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": n.name,
	}
}

// RedisNotifier publishes alerts as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, a models.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
