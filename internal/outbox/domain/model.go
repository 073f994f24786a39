package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusReady      Status = "READY"
	StatusPublishing Status = "PUBLISHING"
	StatusDone       Status = "DONE"
)

// Event is one pending domain event. It is written in the same transaction as
// the payment state change it announces and relayed to the broker afterwards.
type Event struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	AggregateID string       `json:"aggregate_id" gorm:"type:text;not null"`
	Topic       string       `json:"topic" gorm:"type:text;not null"`
	Payload     string       `json:"payload" gorm:"type:text;not null"`
	Status      Status       `json:"status" gorm:"type:text;not null;index:idx_outbox_status_created"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;index:idx_outbox_status_created"`
}

func (Event) TableName() string { return "payment_outbox" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	// ClaimBatch selects READY rows oldest-first, skipping rows held by a
	// concurrent claimer, and flips them to PUBLISHING. Must run inside the
	// caller's transaction.
	ClaimBatch(ctx context.Context, db *gorm.DB, limit int) ([]Event, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status) error
	ResetStuck(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
	DeleteOld(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
