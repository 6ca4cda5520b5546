package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/labforge/labctl/internal/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariantForImage(t *testing.T) {
	cases := map[string]distributionVariant{
		"eve-ng-20.04":    variantEve,
		"EVE-NG":          variantEve,
		"ubuntu-22.04":    variantUbuntu,
		"Ubuntu-Server":   variantUbuntu,
		"centos-stream-9": variantDefault,
		"debian-12":       variantDefault,
	}
	for image, want := range cases {
		t.Run(image, func(t *testing.T) {
			assert.Equal(t, want, variantForImage(image))
		})
	}
}

func TestRetryFor_SucceedsBeforeExhaustingAttempts(t *testing.T) {
	calls := 0
	err := retryFor(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryFor_ExhaustsAllAttemptsThenFails(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent")
	err := retryFor(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "retryFor(3, ...) must make exactly 3 total attempts, not 3 retries after the first")
}

func TestRunMockGate_TimesOutAndContinuesWhenNothingArrives(t *testing.T) {
	mb := mailbox.New("https://mb.test")
	w := &Workflow{mb: mb}

	result, err := w.runMockGateWithin(context.Background(), "inst-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, mockGateContinue, result)
}

func TestRunMockGate_SyntheticSuccessShortCircuits(t *testing.T) {
	mb := mailbox.New("https://mb.test")
	w := &Workflow{mb: mb}

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = mb.Override("inst-2", "mock", map[string]any{"mock": true})
	}()

	result, err := w.runMockGateWithin(context.Background(), "inst-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, mockGateSuccess, result)
}

func TestRunMockGate_SyntheticFailureShortCircuits(t *testing.T) {
	mb := mailbox.New("https://mb.test")
	w := &Workflow{mb: mb}

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = mb.Override("inst-3", "mock", map[string]any{"mock": false})
	}()

	result, err := w.runMockGateWithin(context.Background(), "inst-3", time.Second)
	require.NoError(t, err)
	assert.Equal(t, mockGateFailure, result)
}
