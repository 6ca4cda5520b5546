package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labctl.db")
	m, err := Open(context.Background(), WithPath(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestTx_NestedSavepointRollsBackOnlyItsOwnScope(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	resources := NewResourceRepository()

	outer, err := m.Begin(ctx)
	require.NoError(t, err)
	defer outer.Rollback()

	_, err = resources.AddResource(ctx, outer.Q(), "lab1", Resource{Host: &Host{Name: "host-a", Flavor: "small"}})
	require.NoError(t, err)

	inner, err := outer.Begin(ctx)
	require.NoError(t, err)
	_, err = resources.AddResource(ctx, inner.Q(), "lab1", Resource{Host: &Host{Name: "host-b", Flavor: "small"}})
	require.NoError(t, err)
	require.NoError(t, inner.Rollback())

	free, err := resources.Free(ctx, outer.Q(), Filter{Lab: "lab1", Kind: KindHost})
	require.NoError(t, err)
	assert.Len(t, free, 1, "host-b's savepoint rolled back, host-a (outer scope) survives")
	assert.Equal(t, "host-a", free[0].Res.Host.Name)

	require.NoError(t, outer.Commit())
}

func TestTx_RollbackWithoutCommitDiscardsWrites(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	resources := NewResourceRepository()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = resources.AddResource(ctx, tx.Q(), "lab1", Resource{Host: &Host{Name: "host-a", Flavor: "small"}})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	verify, err := m.Begin(ctx)
	require.NoError(t, err)
	defer verify.Rollback()
	free, err := resources.Free(ctx, verify.Q(), Filter{Lab: "lab1", Kind: KindHost})
	require.NoError(t, err)
	assert.Empty(t, free)
}

func TestResourceRepository_AddResourceThenFree(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	resources := NewResourceRepository()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	handleID, err := resources.AddResource(ctx, tx.Q(), "lab1", Resource{Host: &Host{Name: "host-a", Flavor: "small"}})
	require.NoError(t, err)

	free, err := resources.Free(ctx, tx.Q(), Filter{Lab: "lab1", Kind: KindHost, Flavor: "small"})
	require.NoError(t, err)
	require.Len(t, free, 1)
	assert.Equal(t, handleID, free[0].ID)

	noMatch, err := resources.Free(ctx, tx.Q(), Filter{Lab: "lab1", Kind: KindHost, Flavor: "large"})
	require.NoError(t, err)
	assert.Empty(t, noMatch)
}

func TestAllocationRepository_NoDoubleBooking(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	resources := NewResourceRepository()
	allocations := NewAllocationRepository()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	handleID, err := resources.AddResource(ctx, tx.Q(), "lab1", Resource{Host: &Host{Name: "host-a", Flavor: "small"}})
	require.NoError(t, err)

	_, err = allocations.Insert(ctx, tx.Q(), handleID, nil, ReasonBooking)
	require.NoError(t, err)

	_, err = allocations.Insert(ctx, tx.Q(), handleID, nil, ReasonBooking)
	require.Error(t, err, "the partial unique index on (for_resource) WHERE ended IS NULL must reject a second live allocation")

	n, err := allocations.CountLive(ctx, tx.Q(), handleID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAllocationRepository_EndThenReallocate(t *testing.T) {
	m := openTestManager(t)
	ctx := context.Background()
	resources := NewResourceRepository()
	allocations := NewAllocationRepository()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	handleID, err := resources.AddResource(ctx, tx.Q(), "lab1", Resource{Host: &Host{Name: "host-a", Flavor: "small"}})
	require.NoError(t, err)

	alloc, err := allocations.Insert(ctx, tx.Q(), handleID, nil, ReasonBooking)
	require.NoError(t, err)
	require.NoError(t, allocations.End(ctx, tx.Q(), alloc.ID, ReasonBooking))

	_, err = allocations.Insert(ctx, tx.Q(), handleID, nil, ReasonBooking)
	assert.NoError(t, err, "ending the prior allocation frees the partial unique index slot")
}
