// Package tasks is the task runtime: named, versioned task descriptors
// with timeout, retry, and spawn/join, built on errgroup for the
// spawn+join primitive and cenkalti/backoff for retry pacing.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Identity uniquely identifies a task kind, used for observability.
type Identity struct {
	Name    string
	Version string
}

func (i Identity) String() string { return fmt.Sprintf("%s@%s", i.Name, i.Version) }

// Spec declares the runtime properties of one task kind.
type Spec struct {
	Identity Identity
	Timeout  time.Duration
	Retries  int // additional attempts beyond the first; 0 means no framework retry

	// InstanceKey, when set, memoizes the task's successful result
	// under that key: running the same instance again returns the
	// cached value instead of re-executing, unless ResetInstance
	// discarded it first.
	InstanceKey string
}

// Func is the work a task performs. It receives a Runner so it can spawn
// and join sub-tasks.
type Func func(ctx context.Context, r *Runner) (any, error)

// Handle is a join-handle: the future for one running task's result.
type Handle struct {
	identity Identity
	done     chan struct{}
	result   any
	err      error
}

// Identity reports which task kind this handle joins on.
func (h *Handle) Identity() Identity { return h.identity }

// Wait blocks until the task completes and returns its typed result or
// error.
func (h *Handle) Wait() (any, error) {
	<-h.done
	return h.result, h.err
}

// resultCache memoizes successful task results by Spec.InstanceKey. One
// cache is shared by a Runner and all its children, so a sub-task's
// result is visible to later runs on the same instance.
type resultCache struct {
	mu      sync.Mutex
	results map[string]any
}

func (c *resultCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[key]
	return res, ok
}

func (c *resultCache) put(key string, res any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = res
}

func (c *resultCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, key)
}

// Runner executes tasks according to their Spec and tracks spawned
// children for join. One Runner is created per top-level task
// invocation; tasks spawn sub-tasks through the Runner handed to them.
type Runner struct {
	group *errgroup.Group
	ctx   context.Context
	cache *resultCache
}

// NewRunner constructs a Runner bound to ctx. The returned Runner's
// lifetime is the top-level task's lifetime; Spawn'd children are joined
// via Group.Wait or individually via the returned Handle.
func NewRunner(ctx context.Context) *Runner {
	g, gctx := errgroup.WithContext(ctx)
	return &Runner{group: g, ctx: gctx, cache: &resultCache{results: map[string]any{}}}
}

// ResetInstance discards the cached result for instanceKey, forcing the
// next task run for that instance to execute from the beginning. Must
// be called before Spawn for a provisioning-workflow task instance: a
// deploy cannot resume from an arbitrary earlier point.
func (r *Runner) ResetInstance(instanceKey string) {
	r.cache.drop(instanceKey)
}

// Run executes spec's fn synchronously under spec's timeout and retry
// policy, returning the result or a typed error. Use Run for tasks the
// caller will join on immediately; use Spawn for fire-and-join-later.
func (r *Runner) Run(spec Spec, fn Func) (any, error) {
	log := logger.L().With(zap.String("task", spec.Identity.String()))

	if spec.InstanceKey != "" {
		if cached, ok := r.cache.get(spec.InstanceKey); ok {
			log.Debug("returning cached task result", zap.String("instance", spec.InstanceKey))
			return cached, nil
		}
	}

	attempt := func() (any, error) {
		ctx := r.ctx
		var cancel context.CancelFunc
		if spec.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}
		childRunner := &Runner{group: r.group, ctx: ctx, cache: r.cache}
		result, err := fn(ctx, childRunner)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperrors.New(apperrors.ErrTimeout, spec.Identity.String(), "task deadline exceeded")
		}
		return result, nil
	}

	var result any
	var runErr error
	if spec.Retries <= 0 {
		log.Debug("running task", zap.Int("retries", 0))
		result, runErr = attempt()
	} else {
		bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(1*time.Second), uint64(spec.Retries))
		runErr = backoff.Retry(func() error {
			res, err := attempt()
			if err != nil {
				log.Warn("task attempt failed, retrying", zap.Error(err))
				return err
			}
			result = res
			return nil
		}, bo)
	}
	if runErr != nil {
		return nil, runErr
	}

	if spec.InstanceKey != "" {
		r.cache.put(spec.InstanceKey, result)
	}
	return result, nil
}

// Spawn starts spec/fn as a child task and returns a join-Handle
// immediately; the caller joins later via Handle.Wait.
func (r *Runner) Spawn(spec Spec, fn Func) *Handle {
	h := &Handle{identity: spec.Identity, done: make(chan struct{})}

	r.group.Go(func() error {
		defer close(h.done)
		res, err := r.Run(spec, fn)
		h.result, h.err = res, err
		// errgroup cancels sibling goroutines' shared context on the
		// first non-nil return; the Task Runtime contract says a
		// child's failure surfaces through its own Handle, not by
		// cancelling unrelated siblings, so we deliberately swallow err
		// here rather than returning it to the group.
		return nil
	})
	return h
}

// Join waits for every child spawned on this Runner.
func (r *Runner) Join() error {
	return r.group.Wait()
}
