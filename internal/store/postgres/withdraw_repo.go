package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
)

const withdrawColumns = `id, chain, network, user_id, from_address, to_address, asset, amount,
		tx_hash, status, block_height, error_message, created_at, updated_at`

func scanWithdraw(row interface{ Scan(...any) error }, w *model.Withdraw) error {
	return row.Scan(
		&w.ID, &w.Chain, &w.Network, &w.UserID, &w.FromAddress, &w.ToAddress,
		&w.Asset, &w.Amount, &w.TxHash, &w.Status, &w.BlockHeight,
		&w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
}

func (l *Ledger) CreateWithdraw(ctx context.Context, w *model.Withdraw) (bool, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	err := l.q.QueryRowContext(ctx, `
		INSERT INTO withdraws (id, chain, network, user_id, from_address, to_address, asset, amount, tx_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`, w.ID, w.Chain, w.Network, w.UserID, w.FromAddress, w.ToAddress, w.Asset, w.Amount, w.TxHash, w.Status,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert withdraw %s: %w", w.ID, err)
	}
	return true, nil
}

func (l *Ledger) Withdraw(ctx context.Context, id uuid.UUID) (*model.Withdraw, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	var w model.Withdraw
	err := scanWithdraw(l.q.QueryRowContext(ctx,
		`SELECT `+withdrawColumns+` FROM withdraws WHERE id = $1`, id,
	), &w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find withdraw %s: %w", id, err)
	}
	return &w, nil
}

// NonTerminalWithdrawals returns pending and confirmed withdrawals, oldest
// first.
func (l *Ledger) NonTerminalWithdrawals(ctx context.Context, chain model.Chain, network model.Network, limit int) ([]model.Withdraw, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	query := `SELECT ` + withdrawColumns + `
		FROM withdraws
		WHERE chain = $1 AND network = $2 AND status IN ('pending', 'confirmed')
		ORDER BY created_at, id`
	args := []any{chain, network}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query open withdraws: %w", err)
	}
	defer rows.Close()

	var out []model.Withdraw
	for rows.Next() {
		var w model.Withdraw
		if err := scanWithdraw(rows, &w); err != nil {
			return nil, fmt.Errorf("scan withdraw: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (l *Ledger) UpdateWithdrawStatus(ctx context.Context, id uuid.UUID, from, to model.WithdrawStatus, upd ledger.WithdrawUpdate) (bool, error) {
	if from.IsTerminal() {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ledger.ErrIllegalTransition)
	}
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	res, err := l.q.ExecContext(ctx, `
		UPDATE withdraws SET
			status = $3,
			block_height = COALESCE($4, block_height),
			error_message = COALESCE($5, error_message),
			updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to, upd.BlockHeight, upd.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("update withdraw %s %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update withdraw rows affected: %w", err)
	}
	return n == 1, nil
}

// ReopenWithdrawalsInRange returns withdrawals observed in rolled-back
// blocks to pending. Refunds of failed ones are deleted first; a frozen
// refund keeps its withdrawal failed.
func (l *Ledger) ReopenWithdrawalsInRange(ctx context.Context, chain model.Chain, network model.Network, r ledger.Range) (ledger.ReopenResult, error) {
	var out ledger.ReopenResult
	if r.Empty() {
		return out, nil
	}
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	if err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdraws w
		JOIN credits c ON c.reference_id = 'withdraw:' || w.id::text || ':refund'
		WHERE w.chain = $1 AND w.network = $2 AND w.status = 'failed'
		  AND w.block_height BETWEEN $3 AND $4 AND c.status = 'frozen'
	`, chain, network, r.From, r.To).Scan(&out.RefundsFrozen); err != nil {
		return out, fmt.Errorf("count frozen refunds %d-%d: %w", r.From, r.To, err)
	}

	res, err := l.q.ExecContext(ctx, `
		DELETE FROM credits c
		USING withdraws w
		WHERE c.reference_id = 'withdraw:' || w.id::text || ':refund'
		  AND w.chain = $1 AND w.network = $2 AND w.status = 'failed'
		  AND w.block_height BETWEEN $3 AND $4 AND c.status <> 'frozen'
	`, chain, network, r.From, r.To)
	if err != nil {
		return out, fmt.Errorf("delete refunds %d-%d: %w", r.From, r.To, err)
	}
	if out.RefundsDeleted, err = res.RowsAffected(); err != nil {
		return out, fmt.Errorf("delete refunds rows affected: %w", err)
	}

	res, err = l.q.ExecContext(ctx, `
		UPDATE withdraws w SET
			status = 'pending',
			block_height = NULL,
			error_message = NULL,
			updated_at = now()
		WHERE w.chain = $1 AND w.network = $2 AND w.status IN ('confirmed', 'failed')
		  AND w.block_height BETWEEN $3 AND $4
		  AND NOT EXISTS (
			SELECT 1 FROM credits c
			WHERE c.reference_id = 'withdraw:' || w.id::text || ':refund' AND c.status = 'frozen'
		  )
	`, chain, network, r.From, r.To)
	if err != nil {
		return out, fmt.Errorf("reopen withdraws %d-%d: %w", r.From, r.To, err)
	}
	if out.Reopened, err = res.RowsAffected(); err != nil {
		return out, fmt.Errorf("reopen withdraws rows affected: %w", err)
	}
	return out, nil
}
