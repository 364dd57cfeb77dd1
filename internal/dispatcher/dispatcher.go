// Package dispatcher delivers CloudEvents to webhooks asynchronously, with
// retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"
	"simbroker/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the event could not be queued.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues events for delivery.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers those already queued
	// until ctx is done.
	Close(ctx context.Context) error
}

// Event is a CloudEvent addressed to a webhook.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key; empty sends unsigned

	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64 // gave up after retries or on a permanent error
	Dropped      int64 // buffer full, shutdown or too many requeues
	Requeued     int64 // postponed by an open circuit
	RetriesTotal int64
	BreakersOpen int
}
