package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labforge/labctl/internal/adapters/identity"
	"github.com/labforge/labctl/internal/adapters/installer"
	"github.com/labforge/labctl/internal/adapters/ipmi"
	"github.com/labforge/labctl/internal/adapters/switchapi"
	"github.com/labforge/labctl/internal/allocator"
	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/events"
	"github.com/labforge/labctl/internal/mailbox"
	"github.com/labforge/labctl/internal/store"
	"github.com/labforge/labctl/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBus is a trivial events.Bus fake that appends every
// published event to a slice under a mutex, standing in for the real
// watermill-backed bus so scenario tests can assert on notifications
// without the router's background goroutine.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}
func (b *recordingBus) Subscribe(events.Handler) error { return nil }
func (b *recordingBus) Close() error                   { return nil }

func (b *recordingBus) situations() []events.Situation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Situation, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Situation
	}
	return out
}

func (b *recordingBus) adminBroadcasts() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, ev := range b.events {
		if ev.Dest.Admin {
			out = append(out, ev)
		}
	}
	return out
}

func newScenarioCoordinator(t *testing.T) (*Coordinator, *store.Manager, *mailbox.Mailbox, *recordingBus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labctl.db")
	db, err := store.Open(context.Background(), store.WithPath(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mb := mailbox.New("https://mb.test")
	bus := &recordingBus{}
	wf := workflow.New(workflow.Deps{
		DB: db, Logs: store.NewLogRepository(), Mailbox: mb,
		IPMIFor: func(store.Host) ipmi.Client { return ipmi.NewMock() },
		Switch:  switchapi.NewMock(), Installer: installer.NewMock(),
	})

	alloc := allocator.New(allocator.Token{}, db)
	c := New(Deps{
		DB: db, Allocator: alloc, Workflow: wf, Bus: bus,
		Identity:     identity.NewMock(),
		IsDynamicLab: func(string) bool { return false },
	})
	return c, db, mb, bus
}

func mustAddHost(t *testing.T, db *store.Manager, lab, name, flavor string) {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = store.NewResourceRepository().AddResource(context.Background(), tx.Q(), lab,
		store.Resource{Host: &store.Host{Name: name, Flavor: flavor, IPMI: store.IPMIEndpoint{FQDN: name + ".bmc"}}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func mustAddPrivateVlan(t *testing.T, db *store.Manager, lab string, tag int) {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = store.NewResourceRepository().AddResource(context.Background(), tx.Q(), lab,
		store.Resource{Vlan: &store.Vlan{Tag: tag}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func mustCreateAggregate(t *testing.T, db *store.Manager, lab string, users []string, hostFlavor string) (store.AggregateKey, store.Instance) {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	aggregates := store.NewAggregateRepository()
	aggID, err := aggregates.Create(context.Background(), tx.Q(), store.Aggregate{
		Lab: lab, Users: users, State: store.StateNew,
	})
	require.NoError(t, err)

	instID, err := aggregates.CreateInstance(context.Background(), tx.Q(), store.Instance{
		Aggregate: aggID, Hostname: "instance-1",
		Config: store.HostConfig{Flavor: hostFlavor, Image: "ubuntu-22.04"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	return aggID, store.Instance{ID: instID, Aggregate: aggID, Hostname: "instance-1", Config: store.HostConfig{Flavor: hostFlavor, Image: "ubuntu-22.04"}}
}

// driveMockGate repeatedly overrides every "mock" endpoint registration
// for instance with verdict until stop fires. Because each workflow
// Deploy attempt re-registers a fresh endpoint under the same
// (instance, "mock") key, blind repeated overriding reliably catches
// each new registration as soon as it appears — there is no sleep
// between the provisioning workflow's own retries on the mock-gate
// short-circuit path, so a tight polling loop stays caught up.
func driveMockGate(t *testing.T, mb *mailbox.Mailbox, instance string, verdict func() bool, stop <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = mb.Override(instance, "mock", map[string]any{"mock": verdict()})
			case <-stop:
				return
			}
		}
	}()
}

// TestScenario_S1_HappyPath: one host of flavor F, one private VLAN,
// submit an aggregate and expect Active + a BookingCreated notification.
func TestScenario_S1_HappyPath(t *testing.T) {
	c, db, mb, bus := newScenarioCoordinator(t)
	mustAddHost(t, db, "lab1", "host-a", "F")
	mustAddPrivateVlan(t, db, "lab1", 42)
	aggID, inst := mustCreateAggregate(t, db, "lab1", []string{"alice"}, "F")

	stop := make(chan struct{})
	driveMockGate(t, mb, inst.ID.String(), func() bool { return true }, stop)
	defer close(stop)

	err := c.Deploy(context.Background(), aggID)
	require.NoError(t, err)

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	agg, err := store.NewAggregateRepository().Get(context.Background(), tx.Q(), aggID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, agg.State)

	assert.Contains(t, bus.situations(), events.SituationBookingCreated)
}

// TestScenario_S2_NoResourceAvailable: zero free hosts of the requested
// flavor. Expect failure, no allocations created, state -> Done.
func TestScenario_S2_NoResourceAvailable(t *testing.T) {
	c, db, _, _ := newScenarioCoordinator(t)
	aggID, inst := mustCreateAggregate(t, db, "lab1", []string{"alice"}, "F")

	err := c.Deploy(context.Background(), aggID)
	require.Error(t, err, "deploy must fail when no host matches the requested flavor")

	tx, err2 := db.Begin(context.Background())
	require.NoError(t, err2)
	defer tx.Rollback()
	agg, err2 := store.NewAggregateRepository().Get(context.Background(), tx.Q(), aggID)
	require.NoError(t, err2)
	assert.Equal(t, store.StateDone, agg.State)

	logged, err2 := store.NewLogRepository().ForInstance(context.Background(), tx.Q(), inst.ID)
	require.NoError(t, err2)
	require.NotEmpty(t, logged, "the failed allocation must leave a provision-log trail")
	assert.Equal(t, store.SentimentFailed, logged[len(logged)-1].Sentiment)
}

// countMockGateFailures reports how many MockGate stages have already
// failed for instance, read straight from the append-only log. Because
// Workflow.Deploy commits that log event before returning and the
// coordinator's retry loop only starts its next attempt after the
// previous Deploy call returns, this count is a safe happens-before
// signal for pacing a scripted mock-gate verdict — no sleep or
// wall-clock guess required. Errors (e.g. a transient busy read from
// the polling goroutine) are treated as "not yet" rather than failing
// the test — this helper runs off the test's own goroutine, where
// testify's Fatal-style assertions aren't safe to call.
func countMockGateFailures(db *store.Manager, inst store.InstanceKey) int {
	tx, err := db.Begin(context.Background())
	if err != nil {
		return 0
	}
	defer tx.Rollback()
	events, err := store.NewLogRepository().ForInstance(context.Background(), tx.Q(), inst)
	if err != nil {
		return 0
	}
	n := 0
	for _, ev := range events {
		if ev.Event == "MockGate" && ev.Sentiment == store.SentimentFailed {
			n++
		}
	}
	return n
}

// TestScenario_S3_BadHostGoodSecond: three hosts of flavor F free. The
// mock gate is scripted to fail exactly the first host's three-attempt
// retry budget (tracked via countMockGateFailures, not wall-clock
// timing) and succeed from the second host's first attempt onward.
// Expect the failing host quarantined with reason ForMaintenance and
// the aggregate Active.
func TestScenario_S3_BadHostGoodSecond(t *testing.T) {
	c, db, mb, _ := newScenarioCoordinator(t)
	mustAddHost(t, db, "lab1", "host-a", "F")
	mustAddHost(t, db, "lab1", "host-b", "F")
	mustAddHost(t, db, "lab1", "host-c", "F")
	aggID, inst := mustCreateAggregate(t, db, "lab1", []string{"alice"}, "F")

	stop := make(chan struct{})
	driveMockGate(t, mb, inst.ID.String(), func() bool { return countMockGateFailures(db, inst.ID) >= 3 }, stop)
	defer close(stop)

	err := c.Deploy(context.Background(), aggID)
	require.NoError(t, err, "one of the three hosts must eventually succeed")

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	agg, err := store.NewAggregateRepository().Get(context.Background(), tx.Q(), aggID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, agg.State)

	// Exactly one host's allocation must remain live under the user's
	// aggregate; the failing host must carry reason ForMaintenance under
	// a synthetic maintenance aggregate distinct from aggID; the third
	// host is never attempted and stays free.
	resources := store.NewResourceRepository()
	allocs := store.NewAllocationRepository()
	var inUserAgg, quarantined, untouched int
	for _, name := range []string{"host-a", "host-b", "host-c"} {
		handle, err := resources.HandleForHost(context.Background(), tx.Q(), "lab1", name)
		require.NoError(t, err)
		live, err := allocs.LiveFor(context.Background(), tx.Q(), handle)
		require.NoError(t, err)
		if live == nil {
			untouched++ // never attempted: the second host already succeeded
			continue
		}
		if live.ForAggregate != nil && *live.ForAggregate == aggID {
			inUserAgg++ // this is the host that succeeded into the user's booking
			continue
		}
		assert.Equal(t, store.ReasonForMaintenance, live.ReasonStarted,
			"a quarantined host's live allocation must carry reason ForMaintenance")
		quarantined++
	}
	assert.Equal(t, 1, inUserAgg, "exactly one host must hold the user's booking")
	assert.Equal(t, 1, quarantined, "exactly the failing host must be quarantined")
	assert.Equal(t, 1, untouched, "the never-attempted host must stay in the free pool")
}

// TestScenario_S4_AllHostsFail: every attempted host fails every retry.
// Expect all attempted hosts freed back to the pool (no maintenance
// aggregate), and the user aggregate transitions to Done.
func TestScenario_S4_AllHostsFail(t *testing.T) {
	c, db, mb, bus := newScenarioCoordinator(t)
	mustAddHost(t, db, "lab1", "host-a", "F")
	mustAddHost(t, db, "lab1", "host-b", "F")
	mustAddHost(t, db, "lab1", "host-c", "F")
	aggID, inst := mustCreateAggregate(t, db, "lab1", []string{"alice"}, "F")

	stop := make(chan struct{})
	driveMockGate(t, mb, inst.ID.String(), func() bool { return false }, stop)
	defer close(stop)

	err := c.Deploy(context.Background(), aggID)
	require.Error(t, err, "all three attempted hosts fail, deploy must fail")

	tx, err2 := db.Begin(context.Background())
	require.NoError(t, err2)
	defer tx.Rollback()

	agg, err2 := store.NewAggregateRepository().Get(context.Background(), tx.Q(), aggID)
	require.NoError(t, err2)
	assert.Equal(t, store.StateDone, agg.State)

	assert.NotEmpty(t, bus.adminBroadcasts(), "total failure must raise an admin broadcast")

	// Every attempted host must be back in the free pool (no live
	// allocation at all), not quarantined into a maintenance aggregate.
	resources := store.NewResourceRepository()
	allocs := store.NewAllocationRepository()
	for _, name := range []string{"host-a", "host-b", "host-c"} {
		handle, err := resources.HandleForHost(context.Background(), tx.Q(), "lab1", name)
		require.NoError(t, err)
		live, err := allocs.LiveFor(context.Background(), tx.Q(), handle)
		require.NoError(t, err)
		assert.Nil(t, live, "a total-failure host must be freed, not left allocated anywhere")
	}
}

// TestScenario_S5_SpecificVlanDoubleClaim: two aggregates concurrently
// request SpecificVlan(v=100). Exactly one must win; the other must
// fail with NoResourceAvailable.
func TestScenario_S5_SpecificVlanDoubleClaim(t *testing.T) {
	c, db, _, _ := newScenarioCoordinator(t)
	mustAddPrivateVlan(t, db, "lab1", 100)

	agg1, _ := mustCreateAggregate(t, db, "lab1", nil, "F")
	agg2, _ := mustCreateAggregate(t, db, "lab1", nil, "F")

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	for i, agg := range []store.AggregateKey{agg1, agg2} {
		i, agg := i, agg
		go func() {
			defer wg.Done()
			_, err := c.alloc.AllocateOne(context.Background(), allocator.SpecificVlan(100, "lab1"), &agg, store.ReasonBooking, nil)
			results[i] = err
		}()
	}
	wg.Wait()

	successes, failures := 0, 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			require.True(t, apperrors.IsNoResourceAvailable(err))
			failures++
		}
	}
	assert.Equal(t, 1, successes, "exactly one aggregate must win the specific vlan claim")
	assert.Equal(t, 1, failures, "the other must observe NoResourceAvailable")
}

// TestScenario_S6_CleanupIdempotence: running Cleanup on an
// already-Done aggregate must not error, must not change state, and
// must not create duplicate log events.
func TestScenario_S6_CleanupIdempotence(t *testing.T) {
	c, db, _, _ := newScenarioCoordinator(t)
	mustAddHost(t, db, "lab1", "host-a", "F")
	aggID, inst := mustCreateAggregate(t, db, "lab1", []string{"alice"}, "F")

	handle, err := c.alloc.AllocateOne(context.Background(), allocator.HostByFlavor("F", "lab1"), &aggID, store.ReasonBooking, nil)
	require.NoError(t, err)

	require.NoError(t, c.Cleanup(context.Background(), aggID))

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	agg, err := store.NewAggregateRepository().Get(context.Background(), tx.Q(), aggID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, store.StateDone, agg.State)

	// Second cleanup: must not error and state must remain Done.
	require.NoError(t, c.Cleanup(context.Background(), aggID))

	tx2, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx2.Rollback()
	agg2, err := store.NewAggregateRepository().Get(context.Background(), tx2.Q(), aggID)
	require.NoError(t, err)
	assert.Equal(t, store.StateDone, agg2.State)

	// The handle must still show exactly the one, now-ended, original
	// allocation — DeallocateAll's second run must not touch it again.
	allocs := store.NewAllocationRepository()
	live, err := allocs.LiveFor(context.Background(), tx2.Q(), handle.ID)
	require.NoError(t, err)
	assert.Nil(t, live, "handle must remain deallocated after idempotent cleanup")

	// Neither cleanup run may append provision-log events, so none can
	// be duplicated.
	logged, err := store.NewLogRepository().ForInstance(context.Background(), tx2.Q(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, logged, "cleanup must not append provision-log events")
}
