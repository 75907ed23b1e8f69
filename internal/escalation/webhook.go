// Package escalation はOTPの期限切れなど、SOSアラートが解除されないまま続いている状況を
// 外部の対応窓口（Webhook）へ通知する。
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/safetrack/internal/model"
	"github.com/hitoshi/safetrack/internal/security"
)

// defaultTimeout はWebhook呼び出しのタイムアウト。
const defaultTimeout = 10 * time.Second

// Notifier はエスカレーション通知のインターフェース。
type Notifier interface {
	Escalate(ctx context.Context, alert *model.SOSAlert, reason string) error
}

// Notice はWebhookへ送信する本文。
type Notice struct {
	AlertID   string    `json:"alertId"`
	User      string    `json:"user"`
	Reason    string    `json:"reason"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Status    string    `json:"status"`
	RaisedAt  time.Time `json:"raisedAt"`
	MediaRefs []string  `json:"mediaRefs,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// WebhookNotifier は設定されたURLへJSONをPOSTするNotifier。
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier はURLを検証し、SSRF防止付きのクライアントでWebhookNotifierを生成する。
func NewWebhookNotifier(rawURL string, guard security.OutboundGuard) (*WebhookNotifier, error) {
	if err := guard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("invalid escalation webhook URL: %w", err)
	}
	return &WebhookNotifier{
		url:    rawURL,
		client: guard.Client(defaultTimeout),
		now:    time.Now,
	}, nil
}

// Escalate はアラートの概要をWebhookへ送信する。2xx以外の応答はエラーとする。
func (n *WebhookNotifier) Escalate(ctx context.Context, alert *model.SOSAlert, reason string) error {
	notice := Notice{
		AlertID:   alert.ID,
		User:      alert.Owner,
		Reason:    reason,
		Latitude:  alert.TriggerLocation.Latitude,
		Longitude: alert.TriggerLocation.Longitude,
		Status:    string(alert.Status),
		RaisedAt:  alert.CreatedAt,
		SentAt:    n.now(),
	}
	for _, m := range alert.Media {
		notice.MediaRefs = append(notice.MediaRefs, m.Reference)
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode escalation notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "safetrack-escalation/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("escalation webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("escalation webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier はWebhookが設定されていない場合のNotifier。
type NopNotifier struct{}

// Escalate は何もしない。
func (NopNotifier) Escalate(context.Context, *model.SOSAlert, string) error { return nil }
