package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ridewave/payment-service/internal/outbox/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_outbox (id, aggregate_id, topic, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.AggregateID,
		event.Topic,
		event.Payload,
		event.Status,
		event.CreatedAt,
	).Error
}

func (r *repo) ClaimBatch(ctx context.Context, db *gorm.DB, limit int) ([]domain.Event, error) {
	query := `SELECT id, aggregate_id, topic, payload, status, created_at
		 FROM payment_outbox
		 WHERE status = ?
		 ORDER BY created_at ASC
		 LIMIT ?`
	// Locking clause keeps concurrent relay instances off each other's rows.
	// SQLite has no row locks; the sweep is serialized there anyway.
	if db.Dialector.Name() == "postgres" {
		query += `
		 FOR UPDATE SKIP LOCKED`
	}

	var events []domain.Event
	err := db.WithContext(ctx).Raw(query, domain.StatusReady, limit).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]snowflake.ID, 0, len(events))
	for i := range events {
		ids = append(ids, events[i].ID)
	}
	err = db.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET status = ? WHERE id IN ?`,
		domain.StatusPublishing,
		ids,
	).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET status = ? WHERE id = ?`,
		status,
		id,
	).Error
}

func (r *repo) ResetStuck(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_outbox SET status = ? WHERE status = ? AND created_at < ?`,
		domain.StatusReady,
		domain.StatusPublishing,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteOld(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM payment_outbox WHERE status = ? AND created_at < ?`,
		domain.StatusDone,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
