package store

import (
	"context"
	"database/sql"
	"fmt"
)

// querier is the subset of *sql.DB / *sql.Tx that repository code needs.
// Nested transactions implement it via SAVEPOINT, so callers never need
// to know whether they hold the outermost transaction or a nested scope.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a scoped transaction acquisition. Its zero value is never valid;
// construct one with (*Manager).Begin or (*Tx).Begin (for a nested
// scope). A scope that is dropped without commit must roll back, never
// silently leak — every acquisition path goes through a defer
// immediately after Begin:
//
//	tx, err := m.Begin(ctx)
//	if err != nil { return err }
//	defer tx.Rollback() // no-op after Commit
//	...
//	return tx.Commit()
//
// Nested scopes use SQLite SAVEPOINTs, forming a LIFO stack: a child
// Tx's Rollback only unwinds to its own savepoint, never past its
// parent's.
type Tx struct {
	db        *sql.DB
	sqlTx     *sql.Tx
	parent    *Tx
	depth     int
	done      bool
	savepoint string
}

// Begin opens the outermost transaction against the store.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{db: m.db, sqlTx: sqlTx, depth: 0}, nil
}

// Begin opens a nested scope as a SAVEPOINT under t. Rolling back the
// child never affects the parent's other work; committing the child
// only releases the savepoint, it does not commit the parent.
func (t *Tx) Begin(ctx context.Context) (*Tx, error) {
	sp := fmt.Sprintf("sp_%d", t.depth+1)
	if _, err := t.sqlTx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("begin savepoint %s: %w", sp, err)
	}
	return &Tx{sqlTx: t.sqlTx, parent: t, depth: t.depth + 1, savepoint: sp}, nil
}

// Q returns the underlying querier for repository calls inside this
// scope.
func (t *Tx) Q() querier { return t.sqlTx }

// Commit commits the outermost transaction, or releases this scope's
// savepoint if nested. Calling Commit twice, or after Rollback, is a
// programming error and returns an error rather than panicking, since
// callers may run it from a defer ordering that's hard to get perfectly
// right under early returns.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction scope already closed")
	}
	t.done = true
	if t.parent == nil {
		return t.sqlTx.Commit()
	}
	_, err := t.sqlTx.ExecContext(context.Background(), "RELEASE SAVEPOINT "+t.savepoint)
	return err
}

// Rollback undoes this scope only. It is always safe to call — after a
// successful Commit it is a no-op, which is what makes
// `defer tx.Rollback()` the correct idiom for every acquisition path.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		return t.sqlTx.Rollback()
	}
	_, err := t.sqlTx.ExecContext(context.Background(), "ROLLBACK TO SAVEPOINT "+t.savepoint)
	return err
}
