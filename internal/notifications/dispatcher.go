// Package notifications delivers text and media to chat destinations.
package notifications

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gotrs-io/mailrelay/internal/metrics"
)

const defaultBackoff = 15 * time.Second

// Destinations supplies the current destination list.
type Destinations interface {
	Destinations() []int64
}

// Dispatcher fans payloads out to every destination. Delivery is best-effort
// per destination; nothing is returned to the caller.
type Dispatcher struct {
	sink    Sink
	dests   Destinations
	backoff time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  *log.Logger
}

// Option customizes Dispatcher.
type Option func(*Dispatcher)

// WithBackoff sets the pause before retrying a rate-limited destination.
func WithBackoff(d time.Duration) Option {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.backoff = d
		}
	}
}

// WithSleep overrides the backoff sleeper.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(ds *Dispatcher) {
		if sleep != nil {
			ds.sleep = sleep
		}
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *log.Logger) Option {
	return func(ds *Dispatcher) {
		if logger != nil {
			ds.logger = logger
		}
	}
}

// NewDispatcher builds a dispatcher over sink.
func NewDispatcher(sink Sink, dests Destinations, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		dests:   dests,
		backoff: defaultBackoff,
		sleep:   sleepContext,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText delivers HTML-formatted text.
func (d *Dispatcher) SendText(ctx context.Context, text string) {
	d.each(ctx, "text", func(dest int64) error { return d.sink.SendText(ctx, dest, text) })
}

// SendMedia delivers an image.
func (d *Dispatcher) SendMedia(ctx context.Context, data []byte) {
	d.each(ctx, "media", func(dest int64) error { return d.sink.SendMedia(ctx, dest, data) })
}

// SendAttributes delivers one bold key / code value line per attribute, then text.
func (d *Dispatcher) SendAttributes(ctx context.Context, attrs map[string]string, text string) {
	d.SendText(ctx, FormatAttributes(attrs, text))
}

func (d *Dispatcher) each(ctx context.Context, kind string, send func(int64) error) {
	for _, dest := range d.dests.Destinations() {
		if !d.deliver(ctx, kind, dest, send) {
			return
		}
	}
}

// deliver retries dest while it is rate limited. It returns false once ctx is done.
func (d *Dispatcher) deliver(ctx context.Context, kind string, dest int64, send func(int64) error) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		err := send(dest)
		if err == nil {
			metrics.Notifications.WithLabelValues(kind, "ok").Inc()
			return true
		}

		var limited *RateLimitError
		if errors.As(err, &limited) {
			metrics.Notifications.WithLabelValues(kind, "rate_limited").Inc()
			d.logger.Printf("notifications: chat %d %v, sleeping %s", dest, err, d.backoff)
			if d.sleep(ctx, d.backoff) != nil {
				return false
			}
			continue
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			metrics.Notifications.WithLabelValues(kind, "rejected").Inc()
			d.logger.Printf("notifications: chat %d %s %v", dest, kind, err)
			return true
		}
		metrics.Notifications.WithLabelValues(kind, "error").Inc()
		d.logger.Printf("notifications: chat %d %s delivery failed: %v", dest, kind, err)
		return true
	}
}
