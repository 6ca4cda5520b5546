package allocator

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/logger"
	"github.com/labforge/labctl/internal/store"
	"go.uber.org/zap"
)

// Allocator is the sole writer of Allocation rows. It can only be
// constructed with a Token, which can only be minted once per process.
type Allocator struct {
	token    Token
	db       *store.Manager
	resource *store.ResourceRepository
	alloc    *store.AllocationRepository
}

// New constructs the process's Allocator. token must come from a single
// call to MintToken; passing a copy of an already-consumed token is
// harmless in Go's type system but is a misuse this package's docs call
// out explicitly — callers should treat New as callable exactly once.
func New(token Token, db *store.Manager) *Allocator {
	return &Allocator{
		token:    token,
		db:       db,
		resource: store.NewResourceRepository(),
		alloc:    store.NewAllocationRepository(),
	}
}

// AllocateOne atomically, in one transaction, selects one matching free
// handle, inserts a live Allocation, and commits. Concurrent allocators
// racing the same handle are serialized by the store's
// UNIQUE(for_resource) WHERE ended IS NULL constraint; the loser
// surfaces ErrNoResourceAvailable rather than blocking.
func (a *Allocator) AllocateOne(ctx context.Context, req Request, forAggregate *store.AggregateKey, reason store.AllocationReason, except []store.HandleKey) (store.ResourceHandle, error) {
	if req.kind == kindVpnAccess {
		return a.allocateVpnToken(ctx, req, forAggregate, reason)
	}

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return store.ResourceHandle{}, err
	}
	defer tx.Rollback()

	filter := req.filter(except)
	candidates, err := a.resource.Free(ctx, tx.Q(), filter)
	if err != nil {
		return store.ResourceHandle{}, fmt.Errorf("querying free candidates: %w", err)
	}
	if len(candidates) == 0 {
		return store.ResourceHandle{}, apperrors.Newf(apperrors.ErrNoResourceAvailable, "allocate_one",
			"no free resource matches request in lab %q", filter.Lab)
	}

	// Random shuffle among equals: avoids hot-spotting a single handle
	// and gives a weak fairness property. Callers must never rely on
	// insertion order, so shuffle rather than always taking
	// candidates[0].
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	chosen := candidates[0]

	if _, err := a.alloc.Insert(ctx, tx.Q(), chosen.ID, forAggregate, reason); err != nil {
		return store.ResourceHandle{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.ResourceHandle{}, fmt.Errorf("committing allocation: %w", err)
	}

	logger.L().Info("allocated resource",
		zap.String("handle", chosen.ID.String()), zap.String("kind", string(chosen.Res.Kind())), zap.String("reason", string(reason)))
	return chosen, nil
}

// allocateVpnToken always succeeds by minting a new VpnToken handle:
// there is no candidate selection, only creation.
func (a *Allocator) allocateVpnToken(ctx context.Context, req Request, forAggregate *store.AggregateKey, reason store.AllocationReason) (store.ResourceHandle, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return store.ResourceHandle{}, err
	}
	defer tx.Rollback()

	token := store.VpnToken{Project: req.vpnProject, User: req.vpnUser, Value: newTokenValue()}
	handleID, err := a.resource.AddResource(ctx, tx.Q(), req.lab, store.Resource{VpnToken: &token})
	if err != nil {
		return store.ResourceHandle{}, err
	}
	if _, err := a.alloc.Insert(ctx, tx.Q(), handleID, forAggregate, reason); err != nil {
		return store.ResourceHandle{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.ResourceHandle{}, fmt.Errorf("committing vpn token allocation: %w", err)
	}

	return store.ResourceHandle{ID: handleID, Lab: req.lab, Res: store.Resource{VpnToken: &token}}, nil
}

func newTokenValue() string {
	return store.NewKey().String()
}

// AllocateHandle directly grants forAggregate a specific, already-known
// handle, bypassing candidate selection. Used by the coordinator to
// move a handle straight into the synthetic maintenance aggregate,
// where the candidate set is exactly one already-identified piece of
// hardware rather than "any free match".
func (a *Allocator) AllocateHandle(ctx context.Context, handle store.HandleKey, forAggregate *store.AggregateKey, reason store.AllocationReason) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := a.alloc.Insert(ctx, tx.Q(), handle, forAggregate, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// DeallocateOne finds the single live allocation on handle, verifies
// ownership, and ends it. Fails with ErrNotOwned if the live allocation
// belongs to a different aggregate, ErrNotAllocated if none is live.
func (a *Allocator) DeallocateOne(ctx context.Context, fromAggregate store.AggregateKey, handle store.HandleKey) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	live, err := a.alloc.LiveFor(ctx, tx.Q(), handle)
	if err != nil {
		return err
	}
	if live == nil {
		return apperrors.New(apperrors.ErrNotAllocated, "deallocate_one", handle.String())
	}
	if live.ForAggregate == nil || *live.ForAggregate != fromAggregate {
		return apperrors.New(apperrors.ErrNotOwned, "deallocate_one", handle.String())
	}
	if err := a.alloc.End(ctx, tx.Q(), live.ID, live.ReasonStarted); err != nil {
		return err
	}
	return tx.Commit()
}

// DeallocateAll ends every live allocation for the aggregate.
// Idempotent — an aggregate with no live allocations left simply does
// nothing, and ending an already-ended allocation encountered
// mid-iteration (a concurrent racer got there first) is logged and
// skipped rather than failing the whole call.
func (a *Allocator) DeallocateAll(ctx context.Context, fromAggregate store.AggregateKey) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	live, err := a.alloc.LiveForAggregate(ctx, tx.Q(), fromAggregate)
	if err != nil {
		return err
	}
	for _, alloc := range live {
		if err := a.alloc.End(ctx, tx.Q(), alloc.ID, alloc.ReasonStarted); err != nil {
			if apperrors.IsNotAllocated(err) {
				logger.L().Warn("deallocate_all: allocation already ended, continuing",
					zap.String("allocation", alloc.ID.String()), zap.String("aggregate", fromAggregate.String()))
				continue
			}
			return err
		}
	}
	return tx.Commit()
}

// AllocationIsAllowed is a defensive precondition check: 0 live
// allocations is fine, 1 is an "already booked" error, and 2 or more is
// a database integrity violation severe enough to panic rather than
// return — there is no way to recover correctness once that invariant
// is broken.
func (a *Allocator) AllocationIsAllowed(ctx context.Context, handle store.HandleKey) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := a.alloc.CountLive(ctx, tx.Q(), handle)
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		return nil
	case n == 1:
		return apperrors.New(apperrors.ErrAlreadyAllocated, "allocation_is_allowed", handle.String())
	default:
		panic(fmt.Sprintf("allocator: database integrity violation — %d live allocations for handle %s", n, handle.String()))
	}
}

// AddResource registers a new physical or logical resource and mints
// its handle. It is not an allocation operation, but it shares the
// allocator's write path since the handle it creates becomes the unit
// every future AllocateOne call selects among.
func (a *Allocator) AddResource(ctx context.Context, lab string, res store.Resource) (store.HandleKey, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return store.HandleKey{}, err
	}
	defer tx.Rollback()

	id, err := a.resource.AddResource(ctx, tx.Q(), lab, res)
	if err != nil {
		return store.HandleKey{}, err
	}
	return id, tx.Commit()
}
