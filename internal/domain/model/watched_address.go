package model

import (
	"time"

	"github.com/google/uuid"
)

type WatchedAddress struct {
	ID        uuid.UUID `db:"id"`
	Chain     Chain     `db:"chain"`
	Network   Network   `db:"network"`
	Address   string    `db:"address"`
	UserID    string    `db:"user_id"`
	Label     *string   `db:"label"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
