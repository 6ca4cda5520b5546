package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsResult(t *testing.T) {
	r := NewRunner(context.Background())
	res, err := r.Run(Spec{Identity: Identity{Name: "echo", Version: "1"}}, func(ctx context.Context, _ *Runner) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestRun_TimeoutSurfacesAsTypedError(t *testing.T) {
	r := NewRunner(context.Background())
	_, err := r.Run(Spec{Identity: Identity{Name: "slow", Version: "1"}, Timeout: 10 * time.Millisecond}, func(ctx context.Context, _ *Runner) (any, error) {
		<-ctx.Done()
		return "late", nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}

func TestRun_RetriesUpToDeclaredCount(t *testing.T) {
	r := NewRunner(context.Background())
	calls := 0
	res, err := r.Run(Spec{Identity: Identity{Name: "flaky", Version: "1"}, Retries: 2}, func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, calls, "first attempt plus the two declared retries")
}

func TestRun_ZeroRetriesFailsOnFirstError(t *testing.T) {
	r := NewRunner(context.Background())
	calls := 0
	_, err := r.Run(Spec{Identity: Identity{Name: "once", Version: "1"}}, func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSpawn_JoinHandlesCarryIndividualResults(t *testing.T) {
	r := NewRunner(context.Background())

	ok := r.Spawn(Spec{Identity: Identity{Name: "good", Version: "1"}}, func(ctx context.Context, _ *Runner) (any, error) {
		return "done", nil
	})
	bad := r.Spawn(Spec{Identity: Identity{Name: "bad", Version: "1"}}, func(ctx context.Context, _ *Runner) (any, error) {
		return nil, errors.New("boom")
	})

	require.NoError(t, r.Join(), "a child's failure surfaces through its own handle, never the group")

	res, err := ok.Wait()
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	_, err = bad.Wait()
	require.Error(t, err)
}

func TestRun_InstanceKeyMemoizesSuccessfulResult(t *testing.T) {
	r := NewRunner(context.Background())
	calls := 0
	spec := Spec{Identity: Identity{Name: "deploy", Version: "1"}, InstanceKey: "inst-1"}
	fn := func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		return calls, nil
	}

	res, err := r.Run(spec, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, res)

	res, err = r.Run(spec, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, res, "the second run must return the cached result, not re-execute")
	assert.Equal(t, 1, calls)
}

func TestRun_ResetInstanceDiscardsCachedResult(t *testing.T) {
	r := NewRunner(context.Background())
	calls := 0
	spec := Spec{Identity: Identity{Name: "deploy", Version: "1"}, InstanceKey: "inst-1"}
	fn := func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		return calls, nil
	}

	_, err := r.Run(spec, fn)
	require.NoError(t, err)

	r.ResetInstance("inst-1")

	res, err := r.Run(spec, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, res, "a reset instance must execute from the beginning")
	assert.Equal(t, 2, calls)
}

func TestRun_FailedResultIsNotCached(t *testing.T) {
	r := NewRunner(context.Background())
	calls := 0
	spec := Spec{Identity: Identity{Name: "deploy", Version: "1"}, InstanceKey: "inst-1"}

	_, err := r.Run(spec, func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	res, err := r.Run(spec, func(ctx context.Context, _ *Runner) (any, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res)
	assert.Equal(t, 2, calls, "only successes are memoized")
}

func TestSpawn_ChildrenCanSpawnSubTasks(t *testing.T) {
	r := NewRunner(context.Background())
	parent := r.Spawn(Spec{Identity: Identity{Name: "parent", Version: "1"}}, func(ctx context.Context, child *Runner) (any, error) {
		h := child.Spawn(Spec{Identity: Identity{Name: "child", Version: "1"}}, func(ctx context.Context, _ *Runner) (any, error) {
			return 7, nil
		})
		return h.Wait()
	})

	res, err := parent.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, res)
	require.NoError(t, r.Join())
}
