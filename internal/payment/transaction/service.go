package transaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/ridewave/payment-service/internal/clock"
	outboxdomain "github.com/ridewave/payment-service/internal/outbox/domain"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/ridewave/payment-service/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	OutboxRepo outboxdomain.Repository
}

// Service is the transaction coordinator. Every method opens its own unit of
// work; callers never pass a transaction in.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	outboxRepo outboxdomain.Repository
}

func New(p Params) domain.Coordinator {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.transaction"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		outboxRepo: p.OutboxRepo,
	}
}

// CreatePendingPayment inserts a REQUESTED row keyed by trip id. Redeliveries
// land on the unique constraint and get the existing row back instead.
func (s *Service) CreatePendingPayment(ctx context.Context, event domain.TripCompletedEvent, userID, paymentMethodID string, fare int64) (*domain.Payment, error) {
	now := s.clock.Now()
	payment := &domain.Payment{
		ID:              s.genID.Generate(),
		PaymentID:       "pay_" + uuid.NewString(),
		TripID:          event.TripID,
		UserID:          userID,
		PaymentMethodID: paymentMethodID,
		Amount:          fare,
		Status:          domain.StatusRequested,
		RequestedAt:     now,
		UpdatedAt:       now,
	}

	var existing *domain.Payment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.Insert(ctx, tx, payment)
		if err != nil {
			if !db.IsDuplicateKeyErr(err) {
				return err
			}
			inserted = false
		}
		if inserted {
			return nil
		}
		existing, err = s.repo.FindByTripID(ctx, tx, event.TripID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("payment for trip %s vanished after conflict", event.TripID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.log.Info("payment already exists for trip, reusing",
			zap.String("trip_id", event.TripID),
			zap.String("payment_id", existing.PaymentID),
		)
		return existing, nil
	}
	return payment, nil
}

// TryAcquireProcessingLock flips REQUESTED to PROCESSING. Exactly one caller
// per payment observes true; everyone else backs off without side effects.
func (s *Service) TryAcquireProcessingLock(ctx context.Context, paymentID snowflake.ID) (bool, error) {
	var acquired bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		acquired, err = s.repo.UpdateStatusIf(ctx, tx, paymentID, domain.StatusRequested, domain.StatusProcessing, s.clock.Now())
		return err
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *Service) CompleteWithOutboxEvent(ctx context.Context, paymentID snowflake.ID, pgTxID string, event domain.PaymentCompletedEvent) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.MarkCompleted(ctx, tx, paymentID, pgTxID, now); err != nil {
			return err
		}
		return s.insertOutboxEvent(ctx, tx, event.TripID, event)
	})
}

func (s *Service) FailWithOutboxEvent(ctx context.Context, paymentID snowflake.ID, reason string, pgTxID *string, event domain.PaymentFailedEvent) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.MarkFailed(ctx, tx, paymentID, reason, pgTxID, now); err != nil {
			return err
		}
		return s.insertOutboxEvent(ctx, tx, event.TripID, event)
	})
}

// MarkUnknown is the terminal escape hatch for double faults. It must never
// push an error back into a retry loop, so failures are logged and swallowed.
func (s *Service) MarkUnknown(ctx context.Context, paymentID snowflake.ID, pgTxID *string) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.repo.MarkUnknown(ctx, tx, paymentID, pgTxID, s.clock.Now())
	})
	if err != nil {
		s.log.Error("failed to mark payment UNKNOWN, manual reconciliation required",
			zap.String("payment_id", paymentID.String()),
			zap.Error(err),
		)
	}
}

// EnqueueFailedEvent records a payment-failed outbox event on its own, for
// terminal errors that never reached a payment row.
func (s *Service) EnqueueFailedEvent(ctx context.Context, tripID, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.insertOutboxEvent(ctx, tx, tripID, domain.PaymentFailedEvent{TripID: tripID, Reason: reason})
	})
}

func (s *Service) insertOutboxEvent(ctx context.Context, tx *gorm.DB, aggregateID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	return s.outboxRepo.Insert(ctx, tx, &outboxdomain.Event{
		ID:          s.genID.Generate(),
		AggregateID: aggregateID,
		Topic:       domain.PaymentEventsTopic,
		Payload:     string(payload),
		Status:      outboxdomain.StatusReady,
		CreatedAt:   s.clock.Now(),
	})
}
