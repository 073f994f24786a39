package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert adds the row unless one already exists for the trip id.
	// Reports whether a row was actually written.
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByTripID(ctx context.Context, db *gorm.DB, tripID string) (*Payment, error)
	// UpdateStatusIf flips status from one value to another and reports
	// whether exactly one row was affected. This conditional update is the
	// processing lock.
	UpdateStatusIf(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to PaymentStatus, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, pgTxID string, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, pgTxID *string, now time.Time) error
	MarkUnknown(ctx context.Context, db *gorm.DB, id snowflake.ID, pgTxID *string, now time.Time) error
	FindProcessingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Payment, error)
}
