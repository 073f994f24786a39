package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Service drives the payment saga for one trip and serves the read path.
type Service interface {
	ProcessPayment(ctx context.Context, event TripCompletedEvent) error
	GetByTripID(ctx context.Context, tripID string) (PaymentResponse, error)
}

// Coordinator owns every state-mutating operation on payments and the outbox.
// Each method runs as its own atomic unit of work, never inside the caller's
// transaction, so partial saga progress is committed step by step.
type Coordinator interface {
	CreatePendingPayment(ctx context.Context, event TripCompletedEvent, userID, paymentMethodID string, fare int64) (*Payment, error)
	TryAcquireProcessingLock(ctx context.Context, paymentID snowflake.ID) (bool, error)
	CompleteWithOutboxEvent(ctx context.Context, paymentID snowflake.ID, pgTxID string, event PaymentCompletedEvent) error
	FailWithOutboxEvent(ctx context.Context, paymentID snowflake.ID, reason string, pgTxID *string, event PaymentFailedEvent) error
	MarkUnknown(ctx context.Context, paymentID snowflake.ID, pgTxID *string)
	EnqueueFailedEvent(ctx context.Context, tripID, reason string) error
}

// FareQuoter is the pricing-service collaborator.
type FareQuoter interface {
	CalculateFare(ctx context.Context, event TripCompletedEvent) (int64, error)
}

// UserLookup is the user-service collaborator.
type UserLookup interface {
	GetUserInfoForPayment(ctx context.Context, userID string) (UserInfo, error)
}

type GatewayStatus string

const (
	GatewayStatusPaid       GatewayStatus = "PAID"
	GatewayStatusNotCharged GatewayStatus = "NOT_CHARGED"
)

// Gateway is the payment gateway contract: authorize a charge, compensate one,
// or ask for the authoritative charge status.
type Gateway interface {
	Authorize(ctx context.Context) (string, error)
	Cancel(ctx context.Context, pgTxID string) error
	QueryStatus(ctx context.Context, pgTxID string) (GatewayStatus, error)
}

var (
	ErrNotFound = errors.New("not_found")
)

// DependencyError marks transient unavailability of an upstream dependency
// (service down, timeout, breaker open). These are the only errors the
// message layer retries; everything else is terminal for the saga.
type DependencyError struct {
	Service string
	Err     error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func NewDependencyError(service string, err error) error {
	return &DependencyError{Service: service, Err: err}
}

// IsRetryable reports whether the message layer should redeliver instead of
// acknowledging.
func IsRetryable(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}
