package failedevent

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const maxErrorMessageLen = 1000

// FailedEvent archives a message that exhausted consumer retries. Write-only;
// operators query it by hand.
type FailedEvent struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Topic        string       `json:"topic" gorm:"type:text;not null"`
	Payload      string       `json:"payload" gorm:"type:text;not null"`
	ErrorMessage string       `json:"error_message" gorm:"type:text;not null"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
}

func (FailedEvent) TableName() string { return "failed_events" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *FailedEvent) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *FailedEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO failed_events (id, topic, payload, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		event.Topic,
		event.Payload,
		Truncate(event.ErrorMessage, maxErrorMessageLen),
		event.CreatedAt,
	).Error
}

func Truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

var Module = fx.Module("failedevent",
	fx.Provide(Provide),
)
