package rescue

import (
	"context"
	"time"

	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/joblock"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKey = "payment_rescue_zombies"

const (
	ResolutionFailed      = "failed"
	ResolutionCompensated = "compensated"
	ResolutionUnknown     = "unknown"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Cfg         config.Config
	Clock       clock.Clock
	Repo        domain.Repository
	Coordinator domain.Coordinator
	Gateway     domain.Gateway
	Locker      *joblock.Locker `optional:"true"`
	Metrics     *metrics.Metrics
}

// Job repairs zombie payments: rows a crashed worker left in PROCESSING past
// the deadline. It asks the gateway what really happened, compensates if a
// charge exists, and resolves the row to FAILED or UNKNOWN.
type Job struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         config.RescueConfig
	clock       clock.Clock
	repo        domain.Repository
	coordinator domain.Coordinator
	gateway     domain.Gateway
	locker      *joblock.Locker
	metrics     *metrics.Metrics
}

func New(p Params) *Job {
	return &Job{
		db:          p.DB,
		log:         p.Log.Named("payment.rescue"),
		cfg:         p.Cfg.Rescue,
		clock:       p.Clock,
		repo:        p.Repo,
		coordinator: p.Coordinator,
		gateway:     p.Gateway,
		locker:      p.Locker,
		metrics:     p.Metrics,
	}
}

func (j *Job) RunForever(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLocked(ctx)
		}
	}
}

func (j *Job) runLocked(ctx context.Context) {
	start := time.Now()
	j.metrics.IncJobRun(lockKey)

	if j.locker != nil {
		token, ok, err := j.locker.TryLock(ctx, lockKey, j.cfg.LockTTL)
		if err != nil {
			j.log.Warn("job lock unavailable", zap.Error(err))
			j.metrics.IncJobError(lockKey)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := j.locker.Release(ctx, lockKey, token); err != nil {
				j.log.Warn("job lock release failed", zap.Error(err))
			}
		}()
	}

	if err := j.RunOnce(ctx); err != nil {
		j.log.Warn("rescue sweep failed", zap.Error(err))
		j.metrics.IncJobError(lockKey)
	}
	j.metrics.ObserveJobDuration(lockKey, time.Since(start))
}

// RunOnce scans one batch of stale PROCESSING rows and resolves each.
// One row's failure never aborts the batch.
func (j *Job) RunOnce(ctx context.Context) error {
	cutoff := j.clock.Now().Add(-j.cfg.Deadline)
	zombies, err := j.repo.FindProcessingBefore(ctx, j.db, cutoff, j.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(zombies) == 0 {
		return nil
	}

	j.log.Warn("found zombie payments", zap.Int("count", len(zombies)))

	for _, zombie := range zombies {
		j.rescueOne(ctx, zombie)
	}
	return nil
}

func (j *Job) rescueOne(ctx context.Context, p *domain.Payment) {
	log := j.log.With(
		zap.String("trip_id", p.TripID),
		zap.String("payment_id", p.PaymentID),
	)
	log.Info("rescuing zombie payment")

	needCancel := false
	if p.PGTransactionID != nil {
		// A transaction id was recorded, so the charge may have settled.
		// Ask the gateway for the authoritative answer.
		status, err := j.gateway.QueryStatus(ctx, *p.PGTransactionID)
		if err != nil {
			log.Error("gateway status query failed, marking UNKNOWN", zap.Error(err))
			j.coordinator.MarkUnknown(ctx, p.ID, p.PGTransactionID)
			j.metrics.IncZombieRescued(ResolutionUnknown)
			return
		}
		needCancel = status == domain.GatewayStatusPaid
	}

	if needCancel {
		if err := j.gateway.Cancel(ctx, *p.PGTransactionID); err != nil {
			log.Error("compensating cancel failed, marking UNKNOWN", zap.Error(err))
			j.coordinator.MarkUnknown(ctx, p.ID, p.PGTransactionID)
			j.metrics.IncZombieRescued(ResolutionUnknown)
			return
		}
		log.Info("compensating cancel succeeded")
	}

	event := domain.PaymentFailedEvent{TripID: p.TripID, Reason: "stale processing payment auto-resolved"}
	if err := j.coordinator.FailWithOutboxEvent(ctx, p.ID, "rescued stale processing payment", p.PGTransactionID, event); err != nil {
		log.Error("failed to resolve zombie, marking UNKNOWN", zap.Error(err))
		j.coordinator.MarkUnknown(ctx, p.ID, p.PGTransactionID)
		j.metrics.IncZombieRescued(ResolutionUnknown)
		return
	}

	if needCancel {
		j.metrics.IncZombieRescued(ResolutionCompensated)
	} else {
		j.metrics.IncZombieRescued(ResolutionFailed)
	}
	log.Info("zombie payment resolved to FAILED")
}

var Module = fx.Module("rescue",
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, j *Job) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go j.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
