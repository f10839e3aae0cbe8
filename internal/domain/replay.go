package domain

import "time"

// ReplayKey binds a client's Idempotency-Key, scoped to one user and thread,
// to the assistant message its send produced. A retried send carrying the
// same key is answered with that message instead of a new reply.
type ReplayKey struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_replay_scope,priority:1"`
	ThreadID  string    `json:"thread_id"  gorm:"type:char(36);not null;uniqueIndex:ux_replay_scope,priority:2"`
	Key       string    `json:"key"        gorm:"type:varchar(200);not null;uniqueIndex:ux_replay_scope,priority:3"`
	MessageID string    `json:"message_id" gorm:"type:char(36);not null"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name for ReplayKey.
func (ReplayKey) TableName() string { return "replay_keys" }

// Live reports whether the key still replays at now.
func (k ReplayKey) Live(now time.Time) bool { return now.Before(k.ExpiresAt) }
