package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/oklog/ulid/v2"
)

// AggregateRepository persists bookings and their host-slots. Simple
// append/update entities like these lean on direct queries rather than
// eager-loading machinery — an aggregate's instances are always loaded
// together, so there is no N+1 concern.
type AggregateRepository struct{}

func NewAggregateRepository() *AggregateRepository { return &AggregateRepository{} }

func (repo *AggregateRepository) Create(ctx context.Context, q querier, agg Aggregate) (AggregateKey, error) {
	if agg.ID.IsZero() {
		agg.ID = AggregateKey(NewKey())
	}
	users, err := json.Marshal(agg.Users)
	if err != nil {
		return AggregateKey{}, err
	}
	vlans, err := json.Marshal(agg.Vlans)
	if err != nil {
		return AggregateKey{}, err
	}
	meta, err := json.Marshal(agg.Metadata)
	if err != nil {
		return AggregateKey{}, err
	}
	config, err := json.Marshal(agg.Configuration)
	if err != nil {
		return AggregateKey{}, err
	}

	_, err = q.ExecContext(ctx, `INSERT INTO aggregates
		(id, users_json, vlans_json, template_id, metadata_json, state, config_json, lab, reason)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ulid.ULID(agg.ID).String(), string(users), string(vlans), ulid.ULID(agg.Template).String(),
		string(meta), agg.State, string(config), agg.Lab, agg.Reason)
	if err != nil {
		return AggregateKey{}, fmt.Errorf("inserting aggregate: %w", err)
	}
	return agg.ID, nil
}

func (repo *AggregateRepository) SetState(ctx context.Context, q querier, id AggregateKey, state LifeCycleState) error {
	res, err := q.ExecContext(ctx, `UPDATE aggregates SET state = ? WHERE id = ?`, state, ulid.ULID(id).String())
	if err != nil {
		return fmt.Errorf("updating aggregate state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "set_state", id.String())
	}
	return nil
}

func (repo *AggregateRepository) Get(ctx context.Context, q querier, id AggregateKey) (Aggregate, error) {
	row := q.QueryRowContext(ctx, `SELECT id, users_json, vlans_json, template_id, metadata_json, state, config_json, lab, reason
		FROM aggregates WHERE id = ?`, ulid.ULID(id).String())

	var (
		idStr, usersJSON, vlansJSON, templateID, metaJSON, configJSON, lab string
		state                                                              LifeCycleState
		reason                                                             AllocationReason
	)
	if err := row.Scan(&idStr, &usersJSON, &vlansJSON, &templateID, &metaJSON, &state, &configJSON, &lab, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Aggregate{}, apperrors.New(apperrors.ErrNotFound, "get_aggregate", id.String())
		}
		return Aggregate{}, fmt.Errorf("scanning aggregate: %w", err)
	}

	agg := Aggregate{State: state, Lab: lab, Reason: reason}
	if err := unmarshalAggregateFields(&agg, idStr, usersJSON, vlansJSON, templateID, metaJSON, configJSON); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

func unmarshalAggregateFields(agg *Aggregate, idStr, usersJSON, vlansJSON, templateID, metaJSON, configJSON string) error {
	idU, err := ulid.Parse(idStr)
	if err != nil {
		return err
	}
	agg.ID = AggregateKey(idU)

	tU, err := ulid.Parse(templateID)
	if err != nil {
		return err
	}
	agg.Template = TemplateKey(tU)

	if err := json.Unmarshal([]byte(usersJSON), &agg.Users); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(vlansJSON), &agg.Vlans); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(metaJSON), &agg.Metadata); err != nil {
		return err
	}
	return json.Unmarshal([]byte(configJSON), &agg.Configuration)
}

// CreateInstance persists one host-slot under an aggregate.
func (repo *AggregateRepository) CreateInstance(ctx context.Context, q querier, inst Instance) (InstanceKey, error) {
	if inst.ID.IsZero() {
		inst.ID = InstanceKey(NewKey())
	}
	vlans, err := json.Marshal(inst.Vlans)
	if err != nil {
		return InstanceKey{}, err
	}
	config, err := json.Marshal(inst.Config)
	if err != nil {
		return InstanceKey{}, err
	}
	var linked sql.NullString
	if inst.LinkedHost != nil {
		linked = sql.NullString{String: ulid.ULID(*inst.LinkedHost).String(), Valid: true}
	}
	_, err = q.ExecContext(ctx, `INSERT INTO instances (id, aggregate_id, hostname, linked_host, vlans_json, config_json)
		VALUES (?,?,?,?,?,?)`,
		ulid.ULID(inst.ID).String(), ulid.ULID(inst.Aggregate).String(), inst.Hostname, linked, string(vlans), string(config))
	if err != nil {
		return InstanceKey{}, fmt.Errorf("inserting instance: %w", err)
	}
	return inst.ID, nil
}

// SetLinkedHost records which physical host now backs an instance.
func (repo *AggregateRepository) SetLinkedHost(ctx context.Context, q querier, id InstanceKey, handle HandleKey) error {
	_, err := q.ExecContext(ctx, `UPDATE instances SET linked_host = ? WHERE id = ?`, ulid.ULID(handle).String(), ulid.ULID(id).String())
	if err != nil {
		return fmt.Errorf("updating instance linked host: %w", err)
	}
	return nil
}

// InstancesFor lists every host-slot belonging to an aggregate.
func (repo *AggregateRepository) InstancesFor(ctx context.Context, q querier, agg AggregateKey) ([]Instance, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, aggregate_id, hostname, linked_host, vlans_json, config_json
		FROM instances WHERE aggregate_id = ?`, ulid.ULID(agg).String())
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var (
			idStr, aggStr, hostname, vlansJSON, configJSON string
			linked                                         sql.NullString
		)
		if err := rows.Scan(&idStr, &aggStr, &hostname, &linked, &vlansJSON, &configJSON); err != nil {
			return nil, err
		}
		idU, err := ulid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		aggU, err := ulid.Parse(aggStr)
		if err != nil {
			return nil, err
		}
		inst := Instance{ID: InstanceKey(idU), Aggregate: AggregateKey(aggU), Hostname: hostname}
		if linked.Valid {
			lU, err := ulid.Parse(linked.String)
			if err != nil {
				return nil, err
			}
			h := HandleKey(lU)
			inst.LinkedHost = &h
		}
		if err := json.Unmarshal([]byte(vlansJSON), &inst.Vlans); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(configJSON), &inst.Config); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
