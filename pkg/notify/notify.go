// Package notify fans job lifecycle events out to operators. Delivery
// is best effort: a notification failure is logged and never fails the
// job that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/packmirror/packmirror/pkg/jobs"
	"github.com/packmirror/packmirror/pkg/runner"
)

// Event names a lifecycle moment worth telling an operator about.
type Event string

const (
	EventStarted   Event = "STARTED"
	EventResumed   Event = "RESUMED"
	EventCompleted Event = "COMPLETED"
	EventFailed    Event = "FAILED"
	EventStopped   Event = "STOPPED"
)

// Notification is one event about one job. The embedded record is
// already redacted by the sender.
type Notification struct {
	Event   Event       `json:"event"`
	Job     jobs.Record `json:"job"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// webhookTimeout bounds one delivery attempt so a dead endpoint cannot
// stall the pipeline goroutine that fired the event.
const webhookTimeout = 10 * time.Second

// Webhook POSTs notifications as JSON. A token bucket caps the outbound
// rate so a flapping job cannot hammer the endpoint.
type Webhook struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
	Log     *zap.Logger
}

func NewWebhook(url string, log *zap.Logger) *Webhook {
	return &Webhook{
		URL:     url,
		Client:  &http.Client{Timeout: webhookTimeout},
		Limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		Log:     log,
	}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate wait: %w", err)
		}
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// mailTimeout bounds the local mail command.
const mailTimeout = 30 * time.Second

// Mail shells out to the system mail command, matching how operators
// already receive cron output on the mirror hosts.
type Mail struct {
	To  string
	Bin string
	Run runner.Runner
}

func NewMail(to string, run runner.Runner) *Mail {
	return &Mail{To: to, Bin: "mail", Run: run}
}

func (m *Mail) Notify(ctx context.Context, n Notification) error {
	to := m.To
	if n.Job.Spec.NotifyEmail != "" {
		to = n.Job.Spec.NotifyEmail
	}
	if to == "" {
		return nil
	}

	subject := fmt.Sprintf("[packmirror] %s: %s", n.Event, n.Job.Name())
	body := renderMailBody(n)
	res, err := m.Run.Run(ctx, runner.Spec{
		Command: m.Bin,
		Args:    []string{"-s", subject, to},
		Stdin:   strings.NewReader(body),
		Timeout: mailTimeout,
	})
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mail exited with code %d", res.ExitCode)
	}
	return nil
}

func renderMailBody(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:       %s (%s)\n", n.Job.Name(), n.Job.ID)
	fmt.Fprintf(&b, "Component: %s %s\n", n.Job.Spec.Component, n.Job.Spec.Version)
	fmt.Fprintf(&b, "Event:     %s\n", n.Event)
	fmt.Fprintf(&b, "State:     %s\n", n.Job.State)
	if n.Message != "" {
		fmt.Fprintf(&b, "Detail:    %s\n", n.Message)
	}
	fmt.Fprintf(&b, "At:        %s\n", n.At.UTC().Format(time.RFC3339))
	return b.String()
}

// Multi delivers to every notifier, logging failures instead of
// propagating them.
type Multi struct {
	Targets []Notifier
	Log     *zap.Logger
}

func NewMulti(log *zap.Logger, targets ...Notifier) *Multi {
	return &Multi{Targets: targets, Log: log}
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	for _, t := range m.Targets {
		if err := t.Notify(ctx, n); err != nil && m.Log != nil {
			m.Log.Warn("Notification delivery failed",
				zap.String("job_id", n.Job.ID),
				zap.String("event", string(n.Event)),
				zap.Error(err))
		}
	}
	return nil
}
