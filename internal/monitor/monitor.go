// Package monitor reports job launches and terminations.
package monitor

import (
	"fmt"
	"log/slog"
	"simbroker/internal/dispatcher"
	"simbroker/internal/executor"
	"simbroker/internal/orchestrator"
	"simbroker/pkg/cloudevent"
	"strconv"
)

// Event types sent to the webhook.
const (
	TypeLaunched   = "simbroker.job.launched"
	TypeTerminated = "simbroker.job.terminated"
)

// Source is the CloudEvent source of all events.
const Source = "simbroker"

// Func adapts a function to orchestrator.Monitor.
type Func func(id int64, fut executor.Future) error

// Launched calls f.
func (f Func) Launched(id int64, fut executor.Future) error { return f(id, fut) }

// Webhook posts a launched event for every job and a terminated event
// when its computation ends.
type Webhook struct {
	dispatcher dispatcher.Dispatcher
	url        string
	key        string
	logger     *slog.Logger
}

// NewWebhook creates a monitor delivering to url through d. Events are
// signed when key is not empty.
func NewWebhook(d dispatcher.Dispatcher, url, key string) *Webhook {
	return &Webhook{
		dispatcher: d,
		url:        url,
		key:        key,
		logger:     slog.With("component", "monitor"),
	}
}

// Launched queues the launched event, then registers the termination
// report. Only the launched event's queueing error is returned.
func (w *Webhook) Launched(id int64, fut executor.Future) error {
	err := w.send(TypeLaunched, id, map[string]any{"jobId": id, "task": fut.ID()})

	fut.AddDoneCallback(func(f executor.Future) {
		data := map[string]any{"jobId": id, "task": f.ID(), "cancelled": f.Cancelled()}
		if err := w.send(TypeTerminated, id, data); err != nil {
			w.logger.Warn("Termination event not queued", "jobId", id, "error", err)
		}
	})

	if err != nil {
		return fmt.Errorf("launched event for job %d: %w", id, err)
	}
	return nil
}

func (w *Webhook) send(eventType string, id int64, data map[string]any) error {
	return w.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     cloudevent.New(eventType, Source, strconv.FormatInt(id, 10), data),
		Destination: w.url,
		SigningKey:  w.key,
	})
}

// Verify both monitors implement orchestrator.Monitor
var (
	_ orchestrator.Monitor = Func(nil)
	_ orchestrator.Monitor = (*Webhook)(nil)
)
