package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bookfetch/internal/config"
)

const userAgent = "Bookfetch-Go/0.1.0"

// Service defines the alert surface exposed to pipeline components.
type Service interface {
	NotifyAcquisitionComplete(ctx context.Context, title string) error
	NotifyTaskFailed(ctx context.Context, title, reason string) error
	NotifyRatioEmergency(ctx context.Context, ratio float64) error
	NotifyRatioRecovered(ctx context.Context, ratio float64) error
	NotifyClientUnreachable(ctx context.Context, message string) error
	NotifyIdentityIntegrity(ctx context.Context, detail string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyAcquisitionComplete(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	data := payload{
		title:   "Bookfetch - Acquired",
		message: fmt.Sprintf("Acquisition complete: %s", title),
		tags:    []string{"bookfetch", "task", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskFailed(ctx context.Context, title, reason string) error {
	title = strings.TrimSpace(title)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "Bookfetch - Task Failed",
		message:  fmt.Sprintf("Failed: %s\nReason: %s", title, reason),
		tags:     []string{"bookfetch", "task", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRatioEmergency(ctx context.Context, ratio float64) error {
	data := payload{
		title:    "Bookfetch - Ratio Emergency",
		message:  fmt.Sprintf("Account ratio dropped to %.2f. Downloads halted, credit conversion attempted.", ratio),
		tags:     []string{"bookfetch", "ratio", "emergency"},
		priority: "urgent",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRatioRecovered(ctx context.Context, ratio float64) error {
	data := payload{
		title:   "Bookfetch - Ratio Recovered",
		message: fmt.Sprintf("Account ratio recovered to %.2f. Normal operation resumed.", ratio),
		tags:    []string{"bookfetch", "ratio", "recovered"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyClientUnreachable(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "download client unreachable"
	}
	data := payload{
		title:    "Bookfetch - Download Client Down",
		message:  message,
		tags:     []string{"bookfetch", "client", "unreachable"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyIdentityIntegrity(ctx context.Context, detail string) error {
	detail = strings.TrimSpace(detail)
	data := payload{
		title:    "Bookfetch - Identity Integrity Failure",
		message:  fmt.Sprintf("Tunneled route disabled: %s\nManual intervention required.", detail),
		tags:     []string{"bookfetch", "identity", "alert"},
		priority: "urgent",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Bookfetch - Test",
		message:  "Notification system test",
		tags:     []string{"bookfetch", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyAcquisitionComplete(context.Context, string) error { return nil }
func (noopService) NotifyTaskFailed(context.Context, string, string) error  { return nil }
func (noopService) NotifyRatioEmergency(context.Context, float64) error     { return nil }
func (noopService) NotifyRatioRecovered(context.Context, float64) error     { return nil }
func (noopService) NotifyClientUnreachable(context.Context, string) error   { return nil }
func (noopService) NotifyIdentityIntegrity(context.Context, string) error   { return nil }
func (noopService) TestNotification(context.Context) error                  { return nil }
