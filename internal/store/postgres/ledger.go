package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger is the Postgres ledger.Gateway. Outside InTx every method runs as
// its own statement; inside InTx all methods share the transaction.
type Ledger struct {
	db *DB
	q  queryer
	tx *sql.Tx
}

var _ ledger.Gateway = (*Ledger)(nil)

func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db, q: db.DB}
}

// InTx runs fn inside a single transaction. Nested calls reuse the
// enclosing transaction.
func (l *Ledger) InTx(ctx context.Context, fn func(tx ledger.Store) error) error {
	if l.tx != nil {
		return fn(l)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&Ledger{db: l.db, q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// stmtContext bounds a statement issued outside a transaction. Inside a
// transaction the caller's context governs.
func (l *Ledger) stmtContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.tx != nil {
		return ctx, func() {}
	}
	return withTimeout(ctx, DefaultQueryTimeout)
}
