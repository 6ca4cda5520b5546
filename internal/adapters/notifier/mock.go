package notifier

import (
	"context"
	"sync"

	"github.com/labforge/labctl/internal/events"
)

// RecordingSink captures every Event sent to it, for tests.
type RecordingSink struct {
	mu     sync.Mutex
	Events []events.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Send(ctx context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

func (s *RecordingSink) All() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.Events))
	copy(out, s.Events)
	return out
}
