package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/resilience"
)

// DefaultNotifyTimeout bounds one alert delivery.
const DefaultNotifyTimeout = 5 * time.Second

// Notifier delivers an alert to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, a events.AlertEvent) error
}

// LogNotifier writes alerts to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, a events.AlertEvent) error {
	level := slog.LevelWarn
	if a.Severity == events.SeverityCritical {
		level = slog.LevelError
	}
	n.Logger.Log(ctx, level, "alert",
		"workflow_id", a.ID,
		"severity", a.Severity,
		"kind", a.Kind,
		"message", a.Message)
	return nil
}

type webhookPayload struct {
	WorkflowID string    `json:"workflow_id,omitempty"`
	Severity   string    `json:"severity"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookNotifier posts alerts as JSON. With a Guard, transient delivery
// failures are retried behind the "alert-webhook" breaker.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Guard  *resilience.Guard
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a events.AlertEvent) error {
	body, err := json.Marshal(webhookPayload{
		WorkflowID: a.ID,
		Severity:   string(a.Severity),
		Kind:       string(a.Kind),
		Message:    a.Message,
		Timestamp:  a.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if n.Guard == nil {
		return n.post(ctx, body)
	}
	_, err = n.Guard.Do(ctx, "alert-webhook", 0, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &resilience.StatusError{Code: resp.StatusCode, Msg: resp.Status}
	}
	return nil
}

// AlertRelay forwards alerts from the event bus to notifiers on its own
// goroutine, so publishers never wait on delivery.
type AlertRelay struct {
	bus       *events.EventBus
	alerts    <-chan events.Event
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
	done      chan struct{}
}

// NewAlertRelay subscribes to alerts on bus immediately so nothing published
// before Start is missed. bufferSize bounds alerts waiting for delivery.
func NewAlertRelay(bus *events.EventBus, bufferSize int, timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *AlertRelay {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertRelay{
		bus:       bus,
		alerts:    bus.Subscribe(events.TopicAlert, bufferSize),
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the delivery goroutine. It runs until ctx is cancelled or
// the bus is closed.
func (r *AlertRelay) Start(ctx context.Context) {
	go r.relay(ctx)
}

func (r *AlertRelay) relay(ctx context.Context) {
	defer close(r.done)
	defer r.bus.Unsubscribe(r.alerts)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.alerts:
			if !ok {
				return
			}
			a, isAlert := ev.(events.AlertEvent)
			if !isAlert {
				continue
			}
			r.dispatch(ctx, a)
		}
	}
}

func (r *AlertRelay) dispatch(ctx context.Context, a events.AlertEvent) {
	for _, n := range r.notifiers {
		nctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := n.Notify(nctx, a)
		cancel()
		if err != nil {
			r.logger.Warn("alert delivery failed", "workflow_id", a.ID, "kind", a.Kind, "error", err)
		}
	}
}

// Stop blocks until the delivery goroutine has exited.
func (r *AlertRelay) Stop() {
	<-r.done
}
