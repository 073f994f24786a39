package relay

import (
	"context"
	"time"

	"github.com/ridewave/payment-service/internal/broker"
	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/joblock"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	rescueLockKey  = "payment_outbox_rescue"
	cleanupLockKey = "payment_outbox_cleanup"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	Repo      domain.Repository
	Publisher broker.Publisher
	Locker    *joblock.Locker `optional:"true"`
	Metrics   *metrics.Metrics
}

// Relay drains READY outbox rows to the broker. Claiming and publishing are
// separate steps so a crash mid-publish leaves rows in PUBLISHING, where the
// rescue sweep finds them.
type Relay struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.RelayConfig
	clock     clock.Clock
	repo      domain.Repository
	publisher broker.Publisher
	locker    *joblock.Locker
	metrics   *metrics.Metrics
}

func New(p Params) *Relay {
	return &Relay{
		db:        p.DB,
		log:       p.Log.Named("outbox.relay"),
		cfg:       p.Cfg.Relay,
		clock:     p.Clock,
		repo:      p.Repo,
		publisher: p.Publisher,
		locker:    p.Locker,
		metrics:   p.Metrics,
	}
}

func (r *Relay) RunForever(ctx context.Context) {
	publish := time.NewTicker(r.cfg.PollInterval)
	defer publish.Stop()
	rescue := time.NewTicker(r.cfg.RescueInterval)
	defer rescue.Stop()
	cleanup := time.NewTicker(r.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-publish.C:
			if err := r.PublishBatch(ctx); err != nil {
				r.log.Warn("outbox publish cycle failed", zap.Error(err))
			}
		case <-rescue.C:
			r.runLocked(ctx, rescueLockKey, r.RescueStuck)
		case <-cleanup.C:
			r.runLocked(ctx, cleanupLockKey, r.Cleanup)
		}
	}
}

// PublishBatch claims up to BatchSize READY rows and pushes them out one by
// one. A failed publish reverts only its own row.
func (r *Relay) PublishBatch(ctx context.Context) error {
	var events []domain.Event
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var err error
		events, err = r.repo.ClaimBatch(ctx, tx, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		r.publishOne(ctx, &events[i])
	}
	return nil
}

func (r *Relay) publishOne(ctx context.Context, event *domain.Event) {
	err := r.publisher.Publish(ctx, event.Topic, event.AggregateID, []byte(event.Payload))
	if err != nil {
		r.log.Error("publish failed, reverting row to READY",
			zap.String("outbox_id", event.ID.String()),
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		r.metrics.IncOutboxPublished(metrics.PublishResultError)
		if revertErr := r.repo.UpdateStatus(ctx, r.db, event.ID, domain.StatusReady); revertErr != nil {
			// Still PUBLISHING; the stuck-event sweep resets it later.
			r.log.Error("failed to revert outbox row",
				zap.String("outbox_id", event.ID.String()),
				zap.Error(revertErr),
			)
		}
		return
	}

	r.metrics.IncOutboxPublished(metrics.PublishResultOK)
	if doneErr := r.repo.UpdateStatus(ctx, r.db, event.ID, domain.StatusDone); doneErr != nil {
		// The event went out but the row stayed PUBLISHING; the sweep will
		// republish it. At-least-once, consumers dedupe.
		r.log.Warn("published but failed to mark DONE",
			zap.String("outbox_id", event.ID.String()),
			zap.Error(doneErr),
		)
	}
}

// RescueStuck resets rows abandoned in PUBLISHING by a crashed instance.
func (r *Relay) RescueStuck(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.StuckTimeout)
	count, err := r.repo.ResetStuck(ctx, r.db, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		r.log.Warn("reset stuck outbox rows", zap.Int64("count", count))
		r.metrics.AddOutboxRescued(count)
	}
	return nil
}

// Cleanup purges DONE rows past the retention window.
func (r *Relay) Cleanup(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	count, err := r.repo.DeleteOld(ctx, r.db, cutoff)
	if err != nil {
		return err
	}
	if count > 0 {
		r.log.Info("purged old outbox rows", zap.Int64("count", count))
		r.metrics.AddOutboxPurged(count)
	}
	return nil
}

func (r *Relay) runLocked(ctx context.Context, key string, fn func(context.Context) error) {
	start := time.Now()
	r.metrics.IncJobRun(key)

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, key, r.cfg.LockTTL)
		if err != nil {
			r.log.Warn("job lock unavailable", zap.String("job", key), zap.Error(err))
			r.metrics.IncJobError(key)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := r.locker.Release(ctx, key, token); err != nil {
				r.log.Warn("job lock release failed", zap.String("job", key), zap.Error(err))
			}
		}()
	}

	if err := fn(ctx); err != nil {
		r.log.Warn("maintenance job failed", zap.String("job", key), zap.Error(err))
		r.metrics.IncJobError(key)
	}
	r.metrics.ObserveJobDuration(key, time.Since(start))
}
