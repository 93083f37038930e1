package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/ledger"
)

func (l *Ledger) LastAccepted(ctx context.Context, chain model.Chain, network model.Network) (*model.ChainTip, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	tip := model.ChainTip{Chain: chain, Network: network}
	err := l.q.QueryRowContext(ctx, `
		SELECT height, hash
		FROM block_records
		WHERE chain = $1 AND network = $2 AND status = 'confirmed'
		ORDER BY height DESC
		LIMIT 1
	`, chain, network).Scan(&tip.Height, &tip.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last accepted block: %w", err)
	}
	return &tip, nil
}

func (l *Ledger) HighestRecorded(ctx context.Context, chain model.Chain, network model.Network) (int64, bool, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	var height sql.NullInt64
	if err := l.q.QueryRowContext(ctx, `
		SELECT MAX(height) FROM block_records
		WHERE chain = $1 AND network = $2 AND status <> 'orphaned'
	`, chain, network).Scan(&height); err != nil {
		return 0, false, fmt.Errorf("highest recorded block: %w", err)
	}
	return height.Int64, height.Valid, nil
}

func (l *Ledger) CanonicalBlock(ctx context.Context, chain model.Chain, network model.Network, height int64) (*model.BlockRecord, error) {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	var b model.BlockRecord
	err := l.q.QueryRowContext(ctx, `
		SELECT chain, network, height, hash, parent_hash, block_time, status, created_at
		FROM block_records
		WHERE chain = $1 AND network = $2 AND height = $3 AND status <> 'orphaned'
	`, chain, network, height).Scan(
		&b.Chain, &b.Network, &b.Height, &b.Hash, &b.ParentHash,
		&b.Timestamp, &b.Status, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canonical block %d: %w", height, err)
	}
	return &b, nil
}

// UpsertBlock inserts rec unless an identical canonical record exists. A
// different hash at the same canonical height is ledger.ErrConflict; the
// caller must orphan the old record first.
func (l *Ledger) UpsertBlock(ctx context.Context, rec *model.BlockRecord) error {
	ctx, cancel := l.stmtContext(ctx)
	defer cancel()

	res, err := l.q.ExecContext(ctx, `
		INSERT INTO block_records (chain, network, height, hash, parent_hash, block_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain, network, height) WHERE status <> 'orphaned' DO NOTHING
	`, rec.Chain, rec.Network, rec.Height, rec.Hash, rec.ParentHash, rec.Timestamp, rec.Status)
	if err != nil {
		return fmt.Errorf("upsert block %d: %w", rec.Height, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert block %d: rows affected: %w", rec.Height, err)
	}
	if n == 1 {
		return nil
	}

	var hash string
	var status model.BlockStatus
	if err := l.q.QueryRowContext(ctx, `
		SELECT hash, status FROM block_records
		WHERE chain = $1 AND network = $2 AND height = $3 AND status <> 'orphaned'
	`, rec.Chain, rec.Network, rec.Height).Scan(&hash, &status); err != nil {
		return fmt.Errorf("check existing block %d: %w", rec.Height, err)
	}
	if hash != rec.Hash || status != rec.Status {
		return fmt.Errorf("block %d holds %q, got %q: %w", rec.Height, hash, rec.Hash, ledger.ErrConflict)
	}
	return nil
}

func (l *Ledger) OrphanBlocks(ctx context.Context, chain model.Chain, network model.Network, r ledger.Range) (int64, error) {
	if r.Empty() {
		return 0, nil
	}
	res, err := l.q.ExecContext(ctx, `
		UPDATE block_records SET status = 'orphaned'
		WHERE chain = $1 AND network = $2 AND height BETWEEN $3 AND $4 AND status <> 'orphaned'
	`, chain, network, r.From, r.To)
	if err != nil {
		return 0, fmt.Errorf("orphan blocks %d-%d: %w", r.From, r.To, err)
	}
	return res.RowsAffected()
}
