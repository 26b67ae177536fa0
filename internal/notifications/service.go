package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"framerelay/internal/config"
)

const userAgent = "framerelay-notify/0.1"

// Event identifies a notification kind.
type Event string

const (
	EventTaskCompleted  Event = "task_completed"
	EventTaskFailed     Event = "task_failed"
	EventTaskCancelled  Event = "task_cancelled"
	EventBatchCompleted Event = "batch_completed"
	EventTest           Event = "test"
)

// Payload carries event fields. Keys are event specific.
type Payload map[string]any

// Service publishes replication events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
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
		enabled: map[Event]bool{
			EventTaskCompleted:  cfg.Notifications.TaskCompleted,
			EventTaskFailed:     cfg.Notifications.TaskFailed,
			EventTaskCancelled:  cfg.Notifications.TaskFailed,
			EventBatchCompleted: true,
			EventTest:           true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventTaskCompleted:
		body := fmt.Sprintf("✅ Replicated: %s", payload.text("input"))
		if output := payload.text("output"); output != "" {
			body += "\nOutput: " + output
		}
		if elapsed := payload.duration("elapsed"); elapsed > 0 {
			body += "\nElapsed: " + elapsed.String()
		}
		return message{
			title: "framerelay - Task Complete",
			body:  body,
			tags:  []string{"framerelay", "task", "completed"},
		}, true
	case EventTaskFailed:
		body := fmt.Sprintf("❌ Replication failed: %s", payload.text("input"))
		if stage := payload.text("stage"); stage != "" {
			body += " during " + stage
		}
		body += ": " + valueOr(payload.text("error"), "unknown")
		return message{
			title:    "framerelay - Task Failed",
			body:     body,
			tags:     []string{"framerelay", "task", "failed"},
			priority: "high",
		}, true
	case EventTaskCancelled:
		return message{
			title: "framerelay - Task Cancelled",
			body:  fmt.Sprintf("Cancelled: %s", payload.text("input")),
			tags:  []string{"framerelay", "task", "cancelled"},
		}, true
	case EventBatchCompleted:
		succeeded := payload.integer("succeeded")
		failed := payload.integer("failed")
		elapsed := payload.duration("elapsed")
		if failed == 0 {
			return message{
				title: "framerelay - Batch Complete",
				body:  fmt.Sprintf("%d videos replicated in %s", succeeded, elapsed),
				tags:  []string{"framerelay", "batch", "completed"},
			}, true
		}
		return message{
			title: "framerelay - Batch Complete (with errors)",
			body:  fmt.Sprintf("%d succeeded, %d failed in %s", succeeded, failed, elapsed),
			tags:  []string{"framerelay", "batch", "completed"},
		}, true
	case EventTest:
		return message{
			title:    "framerelay - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"framerelay", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
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

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) integer(key string) int {
	if v, ok := p[key].(int); ok {
		return v
	}
	return 0
}

func (p Payload) duration(key string) time.Duration {
	if v, ok := p[key].(time.Duration); ok && v > 0 {
		return v.Round(time.Second)
	}
	return 0
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
