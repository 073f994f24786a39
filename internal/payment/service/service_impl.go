package service

import (
	"context"

	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Repo        domain.Repository
	Coordinator domain.Coordinator
	Pricing     domain.FareQuoter
	Users       domain.UserLookup
	Gateway     domain.Gateway
	Metrics     *metrics.Metrics
}

// Service is the payment orchestrator. It drives the saga for one trip:
// fan out to pricing and user lookup, create the pending row, take the
// processing lock, charge the gateway, then finalize or compensate.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	repo        domain.Repository
	coordinator domain.Coordinator
	pricing     domain.FareQuoter
	users       domain.UserLookup
	gateway     domain.Gateway
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		repo:        p.Repo,
		coordinator: p.Coordinator,
		pricing:     p.Pricing,
		users:       p.Users,
		gateway:     p.Gateway,
		metrics:     p.Metrics,
	}
}

// ProcessPayment returns an error only when the message layer should
// redeliver. Terminal failures are absorbed here after recording the
// FAILED/UNKNOWN state and the outbox event.
func (s *Service) ProcessPayment(ctx context.Context, event domain.TripCompletedEvent) error {
	err := s.process(ctx, event)
	if err == nil {
		return nil
	}

	if domain.IsRetryable(err) {
		s.log.Warn("transient dependency failure, leaving message for redelivery",
			zap.String("trip_id", event.TripID),
			zap.Error(err),
		)
		s.metrics.IncSagaOutcome(metrics.SagaOutcomeRetryable)
		return err
	}

	s.log.Error("payment pipeline failed terminally",
		zap.String("trip_id", event.TripID),
		zap.Error(err),
	)
	s.metrics.IncSagaOutcome(metrics.SagaOutcomeFailed)
	if enqueueErr := s.coordinator.EnqueueFailedEvent(ctx, event.TripID, err.Error()); enqueueErr != nil {
		s.log.Error("failed to enqueue payment-failed event",
			zap.String("trip_id", event.TripID),
			zap.Error(enqueueErr),
		)
	}
	return nil
}

func (s *Service) process(ctx context.Context, event domain.TripCompletedEvent) error {
	var (
		fare     int64
		userInfo domain.UserInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fare, err = s.pricing.CalculateFare(gctx, event)
		return err
	})
	g.Go(func() error {
		var err error
		userInfo, err = s.users.GetUserInfoForPayment(gctx, event.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	payment, err := s.coordinator.CreatePendingPayment(ctx, event, userInfo.UserID, userInfo.PaymentMethodID, fare)
	if err != nil {
		return err
	}

	acquired, err := s.coordinator.TryAcquireProcessingLock(ctx, payment.ID)
	if err != nil {
		return err
	}
	if !acquired {
		// Another worker or an earlier delivery already advanced this
		// payment. Normal concurrency outcome, not an error.
		s.log.Info("processing lock held elsewhere, skipping",
			zap.String("trip_id", event.TripID),
			zap.String("payment_id", payment.PaymentID),
		)
		s.metrics.IncSagaOutcome(metrics.SagaOutcomeLockContended)
		return nil
	}

	return s.chargeAndFinalize(ctx, payment)
}

func (s *Service) chargeAndFinalize(ctx context.Context, payment *domain.Payment) error {
	pgTxID, err := s.gateway.Authorize(ctx)
	if err != nil {
		s.log.Warn("gateway declined payment",
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err),
		)
		failed := domain.PaymentFailedEvent{TripID: payment.TripID, Reason: "gateway declined: " + err.Error()}
		if failErr := s.coordinator.FailWithOutboxEvent(ctx, payment.ID, "gateway declined", nil, failed); failErr != nil {
			return failErr
		}
		s.metrics.IncSagaOutcome(metrics.SagaOutcomeDeclined)
		return nil
	}

	completed := domain.PaymentCompletedEvent{
		TripID: payment.TripID,
		Amount: payment.Amount,
		UserID: payment.UserID,
	}
	err = s.coordinator.CompleteWithOutboxEvent(ctx, payment.ID, pgTxID, completed)
	if err == nil {
		s.metrics.IncSagaOutcome(metrics.SagaOutcomeCompleted)
		return nil
	}

	s.log.Error("finalize failed after gateway charge, attempting compensating cancel",
		zap.String("payment_id", payment.PaymentID),
		zap.String("pg_transaction_id", pgTxID),
		zap.Error(err),
	)

	if cancelErr := s.gateway.Cancel(ctx, pgTxID); cancelErr != nil {
		// Double fault: charged, not recorded, and the cancel failed too.
		// Hard stop for automation; an operator has to close this out.
		s.log.Error("compensating cancel failed, marking payment UNKNOWN",
			zap.String("payment_id", payment.PaymentID),
			zap.String("pg_transaction_id", pgTxID),
			zap.Error(cancelErr),
		)
		s.coordinator.MarkUnknown(ctx, payment.ID, &pgTxID)
		s.metrics.IncSagaOutcome(metrics.SagaOutcomeUnknown)
		return nil
	}

	failed := domain.PaymentFailedEvent{TripID: payment.TripID, Reason: "auto-cancelled after finalize failure"}
	if failErr := s.coordinator.FailWithOutboxEvent(ctx, payment.ID, "auto-cancelled after finalize failure", &pgTxID, failed); failErr != nil {
		// The row is still PROCESSING with a live pg transaction id; the
		// rescue job will pick it up past the deadline.
		return failErr
	}
	s.metrics.IncSagaOutcome(metrics.SagaOutcomeCompensated)
	return nil
}

func (s *Service) GetByTripID(ctx context.Context, tripID string) (domain.PaymentResponse, error) {
	payment, err := s.repo.FindByTripID(ctx, s.db, tripID)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	if payment == nil {
		return domain.PaymentResponse{}, domain.ErrNotFound
	}
	return domain.ResponseFromPayment(payment), nil
}
