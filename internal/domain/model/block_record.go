package model

import "time"

type BlockStatus string

const (
	BlockStatusConfirmed BlockStatus = "confirmed"
	BlockStatusSkipped   BlockStatus = "skipped"
	BlockStatusOrphaned  BlockStatus = "orphaned"
)

// BlockRecord is one observed block (or skipped slot) at a height. Records
// are immutable apart from the confirmed->orphaned transition performed by
// reorg rollback. A different hash at the same height is a separate record.
type BlockRecord struct {
	Chain      Chain       `db:"chain"`
	Network    Network     `db:"network"`
	Height     int64       `db:"height"`
	Hash       string      `db:"hash"`
	ParentHash string      `db:"parent_hash"`
	Timestamp  *time.Time  `db:"block_time"`
	Status     BlockStatus `db:"status"`
	CreatedAt  time.Time   `db:"created_at"`
}

func (b *BlockRecord) IsSkipped() bool {
	return b != nil && b.Status == BlockStatusSkipped
}
