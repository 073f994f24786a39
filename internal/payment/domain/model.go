package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaymentStatus string

const (
	StatusRequested  PaymentStatus = "REQUESTED"
	StatusProcessing PaymentStatus = "PROCESSING"
	StatusCompleted  PaymentStatus = "COMPLETED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusUnknown    PaymentStatus = "UNKNOWN"
)

// Payment is the saga state record, one row per trip.
type Payment struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	PaymentID       string        `json:"payment_id" gorm:"type:text;not null"`
	TripID          string        `json:"trip_id" gorm:"type:text;not null;uniqueIndex"`
	UserID          string        `json:"user_id" gorm:"type:text;not null"`
	PaymentMethodID string        `json:"payment_method_id" gorm:"type:text;not null"`
	Amount          int64         `json:"amount" gorm:"not null"`
	Status          PaymentStatus `json:"status" gorm:"type:text;not null"`
	PGTransactionID *string       `json:"pg_transaction_id"`
	FailureReason   *string       `json:"failure_reason"`
	RequestedAt     time.Time     `json:"requested_at" gorm:"not null"`
	CompletedAt     *time.Time    `json:"completed_at"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// TripCompletedEvent is the upstream trigger consumed from the trip topic.
type TripCompletedEvent struct {
	TripID          string    `json:"tripId"`
	UserID          string    `json:"userId"`
	DistanceMeters  int       `json:"distanceMeters"`
	DurationSeconds int       `json:"durationSeconds"`
	EndedAt         time.Time `json:"endedAt"`
}

// PaymentCompletedEvent and PaymentFailedEvent are the outward-facing domain
// events, published through the outbox keyed by trip id.
type PaymentCompletedEvent struct {
	TripID string `json:"tripId"`
	Amount int64  `json:"amount"`
	UserID string `json:"userId"`
}

type PaymentFailedEvent struct {
	TripID string `json:"tripId"`
	Reason string `json:"reason"`
}

// PaymentEventsTopic is where both payment outcome events are published.
const PaymentEventsTopic = "payment_events"

// UserInfo is the payment-method lookup result for a rider.
type UserInfo struct {
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	UserEmail       string `json:"userEmail"`
	PaymentMethodID string `json:"paymentMethodId"`
	BillingKey      string `json:"billingKey"`
}

// PaymentResponse is the read-endpoint DTO.
type PaymentResponse struct {
	ID              snowflake.ID  `json:"id"`
	TripID          string        `json:"tripId"`
	Amount          int64         `json:"amount"`
	Status          PaymentStatus `json:"status"`
	PGTransactionID *string       `json:"pgTransactionId"`
	RequestedAt     time.Time     `json:"requestedAt"`
	CompletedAt     *time.Time    `json:"completedAt"`
}

func ResponseFromPayment(p *Payment) PaymentResponse {
	return PaymentResponse{
		ID:              p.ID,
		TripID:          p.TripID,
		Amount:          p.Amount,
		Status:          p.Status,
		PGTransactionID: p.PGTransactionID,
		RequestedAt:     p.RequestedAt,
		CompletedAt:     p.CompletedAt,
	}
}
