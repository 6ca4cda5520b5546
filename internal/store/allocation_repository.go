package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/oklog/ulid/v2"
)

// AllocationRepository is the sole write path for the allocations
// table. Only internal/allocator constructs one; nothing else in
// labctl writes allocation rows.
type AllocationRepository struct{}

func NewAllocationRepository() *AllocationRepository { return &AllocationRepository{} }

const allocationColumns = "id, for_resource, for_aggregate, started, ended, reason_started, reason_ended"

// Insert records a new live allocation on handle. The database's partial
// unique index on (for_resource) WHERE ended IS NULL is what actually
// enforces no-double-booking under concurrent writers; a unique
// violation here surfaces as ErrNoResourceAvailable; the caller should
// already have filtered to free<T> handles, so this path is a race
// against a concurrent allocator, not the expected outcome.
func (repo *AllocationRepository) Insert(ctx context.Context, q querier, handle HandleKey, forAggregate *AggregateKey, reason AllocationReason) (Allocation, error) {
	id := NewKey()
	now := time.Now().UTC()

	var aggStr sql.NullString
	if forAggregate != nil {
		aggStr = sql.NullString{String: ulid.ULID(*forAggregate).String(), Valid: true}
	}

	_, err := q.ExecContext(ctx, `INSERT INTO allocations (`+allocationColumns+`) VALUES (?,?,?,?,NULL,?,NULL)`,
		id.String(), ulid.ULID(handle).String(), aggStr, now.Format(time.RFC3339Nano), reason)
	if err != nil {
		if isUniqueViolation(err) {
			return Allocation{}, apperrors.New(apperrors.ErrNoResourceAvailable, "allocate_one", handle.String())
		}
		return Allocation{}, fmt.Errorf("inserting allocation: %w", err)
	}

	return Allocation{
		ID:            AllocationKey(id),
		ForResource:   handle,
		ForAggregate:  forAggregate,
		Started:       now,
		ReasonStarted: reason,
	}, nil
}

// LiveFor returns the single live allocation on handle, if any.
func (repo *AllocationRepository) LiveFor(ctx context.Context, q querier, handle HandleKey) (*Allocation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE for_resource = ? AND ended IS NULL`, ulid.ULID(handle).String())
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying live allocation: %w", err)
	}
	return &a, nil
}

// LiveForAggregate lists every live allocation belonging to agg.
func (repo *AllocationRepository) LiveForAggregate(ctx context.Context, q querier, agg AggregateKey) ([]Allocation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE for_aggregate = ? AND ended IS NULL`, ulid.ULID(agg).String())
	if err != nil {
		return nil, fmt.Errorf("querying live allocations for aggregate: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountLive reports how many live allocations exist for handle. Used by
// the allocator's defensive 0/1/>=2 precondition check.
func (repo *AllocationRepository) CountLive(ctx context.Context, q querier, handle HandleKey) (int, error) {
	var n int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE for_resource = ? AND ended IS NULL`, ulid.ULID(handle).String())
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting live allocations: %w", err)
	}
	return n, nil
}

// End closes the live allocation identified by id, setting ended = now().
func (repo *AllocationRepository) End(ctx context.Context, q querier, id AllocationKey, reason AllocationReason) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.ExecContext(ctx, `UPDATE allocations SET ended = ?, reason_ended = ? WHERE id = ? AND ended IS NULL`,
		now, reason, ulid.ULID(id).String())
	if err != nil {
		return fmt.Errorf("ending allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrNotAllocated, "deallocate_one", id.String())
	}
	return nil
}

func scanAllocation(row interface{ Scan(...any) error }) (Allocation, error) {
	var (
		id, forResource    string
		forAggregate       sql.NullString
		started            string
		ended, reasonEnded sql.NullString
		reasonStarted      AllocationReason
	)
	if err := row.Scan(&id, &forResource, &forAggregate, &started, &ended, &reasonStarted, &reasonEnded); err != nil {
		return Allocation{}, err
	}

	idU, err := ulid.Parse(id)
	if err != nil {
		return Allocation{}, err
	}
	resU, err := ulid.Parse(forResource)
	if err != nil {
		return Allocation{}, err
	}
	startedT, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Allocation{}, err
	}

	a := Allocation{
		ID:            AllocationKey(idU),
		ForResource:   HandleKey(resU),
		Started:       startedT,
		ReasonStarted: reasonStarted,
	}
	if forAggregate.Valid {
		aggU, err := ulid.Parse(forAggregate.String)
		if err != nil {
			return Allocation{}, err
		}
		k := AggregateKey(aggU)
		a.ForAggregate = &k
	}
	if ended.Valid {
		endedT, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return Allocation{}, err
		}
		a.Ended = &endedT
		a.ReasonEnded = AllocationReason(reasonEnded.String)
	}
	return a, nil
}
