// Package events provides the in-process publish/subscribe bus tying
// the booking coordinator and the notifier adapter together: a
// watermill gochannel pub/sub wrapped in a small typed interface,
// rather than exposing watermill's message.Router to callers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Situation enumerates the notification kinds the sink understands.
type Situation string

const (
	SituationBookingCreated         Situation = "BookingCreated"
	SituationBookingExpiring        Situation = "BookingExpiring"
	SituationBookingExpired         Situation = "BookingExpired"
	SituationVpnAccessAdded         Situation = "VpnAccessAdded"
	SituationVpnAccessRemoved       Situation = "VpnAccessRemoved"
	SituationPasswordResetRequested Situation = "PasswordResetRequested"
)

// Destination distinguishes an admin broadcast from a user-targeted
// notification.
type Destination struct {
	Admin bool
	User  string
}

// Event is the payload published for every domain occurrence the
// coordinator emits.
type Event struct {
	Situation Situation
	Dest      Destination
	Aggregate string
	Detail    string
}

// Handler processes an Event.
type Handler func(ctx context.Context, ev Event) error

const topic = "labctl.notifications"

// Bus is the pub/sub interface consumed by internal/coordinator (to
// publish) and internal/adapters/notifier (to subscribe).
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler Handler) error
	Close() error
}

type bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router

	mu     sync.Mutex
	closed bool
}

// NewBus constructs an in-process Bus backed by watermill's gochannel
// pub/sub: buffered, non-persistent, non-blocking publish.
func NewBus() (Bus, error) {
	logger := watermill.NewStdLogger(false, false)
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("constructing watermill router: %w", err)
	}

	return &bus{pubsub: ps, router: router}, nil
}

func (b *bus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("events: bus is closed")
	}
	b.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return b.pubsub.Publish(topic, msg)
}

func (b *bus) Subscribe(handler Handler) error {
	b.router.AddNoPublisherHandler(
		fmt.Sprintf("labctl-handler-%s", watermill.NewUUID()),
		topic,
		b.pubsub,
		func(msg *message.Message) error {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("unmarshaling event: %w", err)
			}
			return handler(msg.Context(), ev)
		},
	)
	go func() {
		_ = b.router.Run(context.Background())
	}()
	return nil
}

func (b *bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}
