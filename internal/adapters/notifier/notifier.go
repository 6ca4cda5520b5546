// Package notifier is the notification-sink external adapter: a
// fire-and-forget consumer of internal/events that delivers admin/user
// notifications without ever surfacing delivery failures back into the
// coordinator or workflow.
package notifier

import (
	"context"

	"github.com/labforge/labctl/internal/events"
	"github.com/labforge/labctl/internal/logger"
	"go.uber.org/zap"
)

// Sink delivers a rendered notification somewhere (email, chat, etc).
// Real deployments provide one per channel; tests can substitute a
// recording Sink.
type Sink interface {
	Send(ctx context.Context, ev events.Event) error
}

// Notifier subscribes to an events.Bus and fans every Event out to a
// set of Sinks, never letting a Sink error propagate.
type Notifier struct {
	sinks []Sink
}

// New constructs a Notifier over the given sinks.
func New(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

// Attach subscribes the Notifier to bus. Call once at startup.
func (n *Notifier) Attach(bus events.Bus) error {
	return bus.Subscribe(n.handle)
}

func (n *Notifier) handle(ctx context.Context, ev events.Event) error {
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			logger.L().Warn("notification delivery failed",
				zap.String("situation", string(ev.Situation)),
				zap.String("aggregate", ev.Aggregate),
				zap.Error(err),
			)
		}
	}
	// Never returned to the bus: a failed notification must not retry
	// or block the publisher.
	return nil
}
