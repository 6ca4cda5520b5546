// Package coordinator implements the top-level booking task: it fans
// the provisioning workflow out across an aggregate's instances,
// reconciles partial failure into a maintenance quarantine, and drives
// the booking's lifecycle state.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/labforge/labctl/internal/adapters/identity"
	"github.com/labforge/labctl/internal/allocator"
	"github.com/labforge/labctl/internal/events"
	"github.com/labforge/labctl/internal/logger"
	"github.com/labforge/labctl/internal/store"
	"github.com/labforge/labctl/internal/tasks"
	"github.com/labforge/labctl/internal/workflow"
	"go.uber.org/zap"
)

// maintenanceReason tags allocations held by the synthetic aggregate
// that quarantines suspect hardware.
const maintenanceReason = store.ReasonForMaintenance

// Coordinator owns the booking-level deploy and cleanup entry points.
type Coordinator struct {
	db         *store.Manager
	aggregates *store.AggregateRepository
	logs       *store.LogRepository
	alloc      *allocator.Allocator
	wf         *workflow.Workflow
	bus        events.Bus
	idp        identity.Client
	isDynamic  func(lab string) bool
}

// Deps bundles the Coordinator's collaborators. Identity is optional —
// a nil Identity skips the VPN group membership sync in syncVpnAccess
// and Cleanup, which labs without an identity provider simply don't need.
type Deps struct {
	DB           *store.Manager
	Allocator    *allocator.Allocator
	Workflow     *workflow.Workflow
	Bus          events.Bus
	Identity     identity.Client
	IsDynamicLab func(lab string) bool
}

func New(d Deps) *Coordinator {
	return &Coordinator{
		db:         d.DB,
		aggregates: store.NewAggregateRepository(),
		logs:       store.NewLogRepository(),
		alloc:      d.Allocator,
		wf:         d.Workflow,
		bus:        d.Bus,
		idp:        d.Identity,
		isDynamic:  d.IsDynamicLab,
	}
}

// vpnGroupName is the identity-service group whose membership mirrors
// VPN access for a lab.
func vpnGroupName(lab string) string { return fmt.Sprintf("vpn-%s", lab) }

type instanceOutcome struct {
	instance  store.Instance
	handle    store.ResourceHandle
	attempted []store.HandleKey
	err       error
}

// Deploy drives one aggregate from New to Active (or Done on total
// failure): spawn one provisioning workflow per instance plus a VPN
// sync task, join everything, then classify the outcomes.
func (c *Coordinator) Deploy(ctx context.Context, aggID store.AggregateKey) error {
	ctx = logger.WithAggregateID(ctx, aggID.String())
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	agg, err := c.aggregates.Get(ctx, tx.Q(), aggID)
	if err != nil {
		tx.Rollback()
		return err
	}
	instances, err := c.aggregates.InstancesFor(ctx, tx.Q(), aggID)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.Rollback()

	runner := tasks.NewRunner(ctx)
	handles := make([]*tasks.Handle, len(instances))
	for i, inst := range instances {
		inst := inst
		// A deploy never resumes from a cached result of an earlier run.
		runner.ResetInstance(inst.ID.String())
		spec := tasks.Spec{
			Identity:    tasks.Identity{Name: "deploy_instance", Version: "1"},
			InstanceKey: inst.ID.String(),
		}
		handles[i] = runner.Spawn(spec, func(ctx context.Context, r *tasks.Runner) (any, error) {
			// deployInstance's own error is folded into the returned
			// instanceOutcome rather than surfaced here: the Task
			// Runtime discards a Run's result on error, and classify
			// needs every outcome, successful or not.
			outcome, _ := c.deployInstance(ctx, agg, inst)
			return outcome, nil
		})
	}
	vpnHandle := runner.Spawn(tasks.Spec{Identity: tasks.Identity{Name: "vpn_sync", Version: "1"}}, func(ctx context.Context, r *tasks.Runner) (any, error) {
		return nil, c.syncVpnAccess(ctx, agg)
	})

	_ = runner.Join()

	var outcomes []instanceOutcome
	for _, h := range handles {
		res, _ := h.Wait()
		if res == nil {
			continue
		}
		outcomes = append(outcomes, res.(instanceOutcome))
	}
	if _, err := vpnHandle.Wait(); err != nil {
		logger.L().Warn("vpn sync failed for aggregate", zap.String("aggregate", aggID.String()), zap.Error(err))
	}

	return c.classify(ctx, agg, outcomes)
}

// deployInstance runs the outer "try up to 3 different hosts" loop:
// allocate a fresh host on every rotation, delegate to the inner
// same-host retry loop, and either quarantine the failures (when a
// later host succeeds — the hardware is suspect) or free every
// attempted host (when all fail — the template is suspect).
func (c *Coordinator) deployInstance(ctx context.Context, agg store.Aggregate, inst store.Instance) (instanceOutcome, error) {
	var attempted []store.HandleKey
	var lastErr error

	for hostAttempt := 0; hostAttempt < 3; hostAttempt++ {
		handle, err := c.alloc.AllocateOne(ctx, allocator.HostByFlavor(inst.Config.Flavor, agg.Lab), &agg.ID, store.ReasonBooking, attempted)
		if err != nil {
			c.logInstanceEvent(ctx, inst.ID, "Allocate", store.SentimentFailed, err.Error())
			lastErr = err
			break
		}
		attempted = append(attempted, handle.ID)
		c.recordLinkedHost(ctx, inst.ID, handle.ID)

		deployErr := c.deployOneHostWithRetries(ctx, inst, *handle.Res.Host, agg.Lab)
		if deployErr == nil {
			c.quarantinePreviousFailures(ctx, agg.ID, attempted[:len(attempted)-1])
			return instanceOutcome{instance: inst, handle: handle, attempted: attempted}, nil
		}
		lastErr = deployErr
		logger.L().Warn("deploy failed on host, trying a different one",
			zap.String("instance", inst.ID.String()), zap.String("host", handle.ID.String()), zap.Error(deployErr))
	}

	c.freeAll(ctx, agg.ID, attempted)
	return instanceOutcome{instance: inst, attempted: attempted, err: lastErr}, lastErr
}

// deployOneHostWithRetries runs the inner "up to 3 attempts against the
// same host" loop, emitting a provision metric per attempt.
func (c *Coordinator) deployOneHostWithRetries(ctx context.Context, inst store.Instance, host store.Host, lab string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		started := time.Now()
		err := c.wf.Deploy(ctx, inst, host, c.isDynamic(lab))
		elapsed := time.Since(started)
		if err == nil {
			logger.ForAggregate(ctx).Info("provision metric",
				zap.String("instance", inst.ID.String()), zap.String("host", host.Name),
				zap.Bool("success", true), zap.Duration("elapsed", elapsed))
			return nil
		}
		logger.ForAggregate(ctx).Warn("provision metric",
			zap.String("instance", inst.ID.String()), zap.String("host", host.Name),
			zap.Bool("success", false), zap.Duration("elapsed", elapsed), zap.Error(err))
		lastErr = err
	}
	return lastErr
}

// logInstanceEvent appends one provision-log event in its own short
// transaction; log-write failures are logged, never propagated.
func (c *Coordinator) logInstanceEvent(ctx context.Context, inst store.InstanceKey, event string, sentiment store.Sentiment, detail string) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		logger.ForAggregate(ctx).Error("log event: begin failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if err := c.logs.Append(ctx, tx.Q(), store.ProvisionLogEvent{
		Instance: inst, Time: time.Now(), Event: event, Detail: detail, Sentiment: sentiment,
	}); err != nil {
		logger.ForAggregate(ctx).Error("log event: append failed", zap.Error(err))
		return
	}
	_ = tx.Commit()
}

func (c *Coordinator) quarantinePreviousFailures(ctx context.Context, aggID store.AggregateKey, failedHandles []store.HandleKey) {
	if len(failedHandles) == 0 {
		return
	}
	maint, err := c.createMaintenanceAggregate(ctx, aggID)
	if err != nil {
		logger.L().Error("could not create maintenance aggregate", zap.Error(err))
		return
	}
	for _, h := range failedHandles {
		if err := c.alloc.DeallocateOne(ctx, aggID, h); err != nil {
			logger.L().Warn("deallocate_one (quarantine) failed", zap.Error(err))
			continue
		}
		if err := c.alloc.AllocateHandle(ctx, h, &maint, maintenanceReason); err != nil {
			logger.L().Warn("re-allocating handle into maintenance aggregate failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) freeAll(ctx context.Context, aggID store.AggregateKey, handles []store.HandleKey) {
	for _, h := range handles {
		if err := c.alloc.DeallocateOne(ctx, aggID, h); err != nil {
			logger.L().Warn("freeing attempted handle after total failure", zap.Error(err))
		}
	}
}

// createMaintenanceAggregate creates a fresh synthetic maintenance
// aggregate, recording origin in its metadata. Every call creates a new
// one; existing maintenance aggregates are never reused.
func (c *Coordinator) createMaintenanceAggregate(ctx context.Context, origin store.AggregateKey) (store.AggregateKey, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return store.AggregateKey{}, err
	}
	defer tx.Rollback()

	id, err := c.aggregates.Create(ctx, tx.Q(), store.Aggregate{
		State:    store.StateActive,
		Reason:   maintenanceReason,
		Metadata: map[string]string{"quarantined_from": origin.String()},
	})
	if err != nil {
		return store.AggregateKey{}, err
	}
	return id, tx.Commit()
}

func (c *Coordinator) syncVpnAccess(ctx context.Context, agg store.Aggregate) error {
	for _, user := range agg.Users {
		if _, err := c.alloc.AllocateOne(ctx, allocator.VpnAccess(agg.Lab, user, agg.Lab), &agg.ID, store.ReasonBooking, nil); err != nil {
			return fmt.Errorf("syncing vpn access for %s: %w", user, err)
		}
		if c.idp != nil {
			if err := c.idp.GroupAddMember(ctx, vpnGroupName(agg.Lab), user); err != nil {
				logger.L().Warn("vpn group_add_member failed", zap.String("user", user), zap.Error(err))
				continue
			}
		}
		c.notifyUser(ctx, events.SituationVpnAccessAdded, agg, user)
	}
	return nil
}

// classify sorts the joined outcomes into total failure (deallocate,
// Done, error), partial failure (keep the good hosts, quarantine stays,
// alert admins, Active) or full success (notify, Active).
func (c *Coordinator) classify(ctx context.Context, agg store.Aggregate, outcomes []instanceOutcome) error {
	var succeeded, failed int
	for _, o := range outcomes {
		if o.err == nil {
			succeeded++
		} else {
			failed++
		}
	}

	switch {
	case succeeded == 0 && failed > 0:
		if err := c.alloc.DeallocateAll(ctx, agg.ID); err != nil {
			logger.ForAggregate(ctx).Warn("deallocate_aggregate on total failure", zap.Error(err))
		}
		c.setState(ctx, agg.ID, store.StateDone)
		c.notifyAdmins(ctx, events.SituationBookingExpired, agg,
			fmt.Sprintf("provisioning failed on every host for all %d instances; booking closed", failed))
		return fmt.Errorf("coordinator: all %d instances failed for aggregate %s", failed, agg.ID)

	case succeeded > 0 && failed > 0:
		c.setState(ctx, agg.ID, store.StateActive)
		detail := fmt.Sprintf("%d/%d instances provisioned; %d failed on every attempted host", succeeded, succeeded+failed, failed)
		c.notifyAdmins(ctx, events.SituationBookingCreated, agg, detail)
		c.notify(ctx, events.SituationBookingCreated, agg, detail)
		return nil

	default:
		c.setState(ctx, agg.ID, store.StateActive)
		c.notify(ctx, events.SituationBookingCreated, agg, fmt.Sprintf("all %d instances provisioned", succeeded))
		return nil
	}
}

func (c *Coordinator) setState(ctx context.Context, id store.AggregateKey, state store.LifeCycleState) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		logger.L().Error("set_state: begin failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if err := c.aggregates.SetState(ctx, tx.Q(), id, state); err != nil {
		logger.L().Error("set_state failed", zap.Error(err))
		return
	}
	_ = tx.Commit()
}

func (c *Coordinator) notify(ctx context.Context, situation events.Situation, agg store.Aggregate, detail string) {
	if c.bus == nil {
		return
	}
	for _, user := range agg.Users {
		_ = c.bus.Publish(ctx, events.Event{
			Situation: situation,
			Dest:      events.Destination{User: user},
			Aggregate: agg.ID.String(),
			Detail:    detail,
		})
	}
}

// notifyAdmins publishes one admin-broadcast event for the aggregate.
func (c *Coordinator) notifyAdmins(ctx context.Context, situation events.Situation, agg store.Aggregate, detail string) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Event{
		Situation: situation,
		Dest:      events.Destination{Admin: true},
		Aggregate: agg.ID.String(),
		Detail:    detail,
	})
}

// notifyUser publishes a situation addressed at a single user, used for
// per-user VPN-membership events rather than the whole-aggregate
// broadcast notify performs.
func (c *Coordinator) notifyUser(ctx context.Context, situation events.Situation, agg store.Aggregate, user string) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Event{
		Situation: situation,
		Dest:      events.Destination{User: user},
		Aggregate: agg.ID.String(),
	})
}

// Cleanup is the Active to Done entry point: deallocate every live
// handle of the aggregate and transition state. Idempotent — running it
// again on an already-Done aggregate deallocates nothing further
// (DeallocateAll skips already-ended allocations) and leaves state
// unchanged.
func (c *Coordinator) Cleanup(ctx context.Context, aggID store.AggregateKey) error {
	if err := c.alloc.DeallocateAll(ctx, aggID); err != nil {
		return err
	}
	c.setState(ctx, aggID, store.StateDone)

	if c.idp != nil {
		tx, err := c.db.Begin(ctx)
		if err == nil {
			if agg, err := c.aggregates.Get(ctx, tx.Q(), aggID); err == nil {
				for _, user := range agg.Users {
					if err := c.idp.GroupRemoveMember(ctx, vpnGroupName(agg.Lab), user); err != nil {
						logger.L().Warn("vpn group_remove_member failed", zap.String("user", user), zap.Error(err))
						continue
					}
					c.notifyUser(ctx, events.SituationVpnAccessRemoved, agg, user)
				}
			}
			tx.Rollback()
		}
	}
	return nil
}

func (c *Coordinator) recordLinkedHost(ctx context.Context, instID store.InstanceKey, handle store.HandleKey) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		logger.L().Warn("set_linked_host: begin failed", zap.Error(err))
		return
	}
	defer tx.Rollback()
	if err := c.aggregates.SetLinkedHost(ctx, tx.Q(), instID, handle); err != nil {
		logger.L().Warn("set_linked_host failed", zap.Error(err))
		return
	}
	_ = tx.Commit()
}
