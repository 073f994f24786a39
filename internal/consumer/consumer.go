package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ridewave/payment-service/internal/broker"
	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/failedevent"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryPolicy is the explicit message-retry contract: how many in-loop
// attempts a retryable error gets before the message goes to the dead letter.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Service domain.Service
	Pub     broker.Publisher
	Failed  failedevent.Repository
	Metrics *metrics.Metrics
}

// Consumer runs a small pool of group readers over the trip topic. Each
// worker owns its reader, so partition assignment gives per-trip ordering
// while independent trips process in parallel.
type Consumer struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.KafkaConfig
	genID   *snowflake.Node
	clock   clock.Clock
	service domain.Service
	pub     broker.Publisher
	failed  failedevent.Repository
	metrics *metrics.Metrics

	newReader func() fetcher
}

// fetcher is the slice of kafka.Reader the consume loop needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func New(p Params) *Consumer {
	c := &Consumer{
		db:      p.DB,
		log:     p.Log.Named("consumer"),
		cfg:     p.Cfg.Kafka,
		genID:   p.GenID,
		clock:   p.Clock,
		service: p.Service,
		pub:     p.Pub,
		failed:  p.Failed,
		metrics: p.Metrics,
	}
	c.newReader = func() fetcher { return broker.NewReader(p.Cfg) }
	return c
}

func (c *Consumer) RunForever(ctx context.Context) {
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go c.runWorker(ctx, i)
	}
	<-ctx.Done()
}

func (c *Consumer) runWorker(ctx context.Context, id int) {
	reader := c.newReader()
	defer reader.Close()

	log := c.log.With(zap.Int("worker", id))
	log.Info("trip event worker started", zap.String("topic", c.cfg.TripTopic))

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			log.Warn("fetch failed", zap.Error(err))
			continue
		}

		c.Handle(ctx, msg)

		// The offset commits only after the message is fully resolved:
		// success, absorbed terminal failure, or dead-lettered.
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Warn("offset commit failed, message may redeliver", zap.Error(err))
		}
	}
}

// Handle resolves one trip-completion message. It returns only once the
// message can be acknowledged.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) {
	var event domain.TripCompletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Poison message: retrying cannot help.
		c.log.Error("malformed trip event, routing to dead letter",
			zap.ByteString("key", msg.Key),
			zap.Error(err),
		)
		c.deadLetter(ctx, msg, fmt.Errorf("malformed trip event: %w", err))
		return
	}

	policy := RetryPolicy{MaxAttempts: c.cfg.MaxRetries, Backoff: c.cfg.RetryBackoff}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.IncConsumerRetry()
			c.log.Info("retrying trip event",
				zap.String("trip_id", event.TripID),
				zap.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.backoffFor(attempt)):
			}
		}

		lastErr = c.service.ProcessPayment(ctx, event)
		if lastErr == nil {
			return
		}
		if !domain.IsRetryable(lastErr) {
			break
		}
	}

	c.log.Error("trip event exhausted retries, routing to dead letter",
		zap.String("trip_id", event.TripID),
		zap.Error(lastErr),
	)
	c.deadLetter(ctx, msg, lastErr)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.metrics.IncDeadLetter()

	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}

	if err := c.pub.Publish(ctx, c.cfg.DeadLetterTopic, string(msg.Key), msg.Value); err != nil {
		c.log.Error("dead-letter publish failed", zap.Error(err))
	}

	record := &failedevent.FailedEvent{
		ID:           c.genID.Generate(),
		Topic:        c.cfg.TripTopic,
		Payload:      string(msg.Value),
		ErrorMessage: errMsg,
		CreatedAt:    c.clock.Now(),
	}
	if err := c.failed.Insert(ctx, c.db, record); err != nil {
		c.log.Error("failed to archive dead letter", zap.Error(err))
	}
}

var Module = fx.Module("consumer",
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, c *Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go c.RunForever(ctx)

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
