package health

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"content_recommend/internal/logger"
)

// Alert 告警内容
type Alert struct {
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Failures  int       `json:"failures,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Alerter 告警通道
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter 写入错误日志
type LogAlerter struct {
	log logger.Logger
}

func NewLogAlerter(log logger.Logger) *LogAlerter {
	return &LogAlerter{log: log}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.log.Error("alert",
		logger.String("source", a.Source),
		logger.String("level", a.Level),
		logger.String("message", a.Message),
		logger.Int("failures", a.Failures),
	)
	return nil
}

// WebhookAlerter 以 JSON POST 到指定地址
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiAlerter 依次发送到所有通道，返回第一个错误
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
