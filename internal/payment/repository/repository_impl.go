package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, payment_id, trip_id, user_id, payment_method_id, amount,
			status, pg_transaction_id, failure_reason, requested_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id) DO NOTHING`,
		payment.ID,
		payment.PaymentID,
		payment.TripID,
		payment.UserID,
		payment.PaymentMethodID,
		payment.Amount,
		payment.Status,
		payment.PGTransactionID,
		payment.FailureReason,
		payment.RequestedAt,
		payment.CompletedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, trip_id, user_id, payment_method_id, amount,
			status, pg_transaction_id, failure_reason, requested_at, completed_at, updated_at
		 FROM payments
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByTripID(ctx context.Context, db *gorm.DB, tripID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, trip_id, user_id, payment_method_id, amount,
			status, pg_transaction_id, failure_reason, requested_at, completed_at, updated_at
		 FROM payments
		 WHERE trip_id = ?
		 LIMIT 1`,
		tripID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatusIf(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.PaymentStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, pgTxID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, pg_transaction_id = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusCompleted,
		pgTxID,
		now,
		now,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, pgTxID *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, failure_reason = ?, pg_transaction_id = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusFailed,
		reason,
		pgTxID,
		now,
		id,
	).Error
}

func (r *repo) MarkUnknown(ctx context.Context, db *gorm.DB, id snowflake.ID, pgTxID *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, pg_transaction_id = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusUnknown,
		pgTxID,
		now,
		id,
	).Error
}

func (r *repo) FindProcessingBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	query := `SELECT id, payment_id, trip_id, user_id, payment_method_id, amount,
			status, pg_transaction_id, failure_reason, requested_at, completed_at, updated_at
		 FROM payments
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`
	// Row locks only exist on postgres; the rescue job is lease-serialized
	// across instances either way.
	if db.Dialector.Name() == "postgres" {
		query += `
		 FOR UPDATE SKIP LOCKED`
	}

	var items []*domain.Payment
	err := db.WithContext(ctx).Raw(
		query,
		domain.StatusProcessing,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
