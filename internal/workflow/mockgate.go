package workflow

import (
	"context"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
)

// mockGateWindow is the short window MockGate waits on its mailbox
// endpoint before continuing with the real deploy.
const mockGateWindow = 10 * time.Second

type mockGateResult int

const (
	mockGateContinue mockGateResult = iota
	mockGateSuccess
	mockGateFailure
)

// runMockGate registers the "mock" mailbox endpoint for instance and
// interprets whatever (if anything) arrives within mockGateWindow:
// true → synthetic success, false → synthetic failure, nothing →
// continue the real deploy. Exists purely for integration testing.
func (w *Workflow) runMockGate(ctx context.Context, instance string) (mockGateResult, error) {
	return w.runMockGateWithin(ctx, instance, mockGateWindow)
}

// runMockGateWithin is runMockGate with an explicit wait window, broken
// out so tests don't have to wait the full mockGateWindow to exercise
// the timeout path.
func (w *Workflow) runMockGateWithin(ctx context.Context, instance string, window time.Duration) (mockGateResult, error) {
	_, recv := w.mb.Register(instance, "mock")

	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	msg, err := recv.WaitNext(waitCtx)
	if err != nil {
		if apperrors.IsTimeout(err) {
			return mockGateContinue, nil
		}
		return mockGateContinue, err
	}

	verdict, _ := msg.Payload["mock"].(bool)
	if verdict {
		return mockGateSuccess, nil
	}
	return mockGateFailure, nil
}
