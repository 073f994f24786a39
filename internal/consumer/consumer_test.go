package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/failedevent"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type serviceStub struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *serviceStub) ProcessPayment(ctx context.Context, event domain.TripCompletedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *serviceStub) GetByTripID(ctx context.Context, tripID string) (domain.PaymentResponse, error) {
	return domain.PaymentResponse{}, domain.ErrNotFound
}

type publisherStub struct {
	mu     sync.Mutex
	topics []string
}

func (p *publisherStub) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func setupConsumer(t *testing.T, svc domain.Service, pub *publisherStub) (*Consumer, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE failed_events (
		id INTEGER PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		error_message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	c := New(Params{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{Kafka: config.KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			TripTopic:       "trip_events",
			DeadLetterTopic: "trip_events.dlt",
			GroupID:         "payment-service-group",
			Workers:         1,
			MaxRetries:      2,
			RetryBackoff:    time.Millisecond,
		}},
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Service: svc,
		Pub:     pub,
		Failed:  failedevent.Provide(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	return c, db
}

func failedEventCount(t *testing.T, db *gorm.DB) int {
	t.Helper()
	var count int
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM failed_events`).Scan(&count).Error)
	return count
}

func tripMessage(t *testing.T, tripID string) kafka.Message {
	t.Helper()
	return kafka.Message{
		Topic: "trip_events",
		Key:   []byte(tripID),
		Value: []byte(`{"tripId":"` + tripID + `","userId":"user-1","distanceMeters":12500,"durationSeconds":1400}`),
	}
}

func TestHandleSuccessNoDeadLetter(t *testing.T) {
	svc := &serviceStub{}
	pub := &publisherStub{}
	c, db := setupConsumer(t, svc, pub)

	c.Handle(context.Background(), tripMessage(t, "trip-1"))

	require.Equal(t, 1, svc.calls)
	require.Empty(t, pub.topics)
	require.Zero(t, failedEventCount(t, db))
}

func TestHandlePoisonMessageGoesStraightToDeadLetter(t *testing.T) {
	svc := &serviceStub{}
	pub := &publisherStub{}
	c, db := setupConsumer(t, svc, pub)

	c.Handle(context.Background(), kafka.Message{
		Topic: "trip_events",
		Key:   []byte("trip-1"),
		Value: []byte(`{not json`),
	})

	require.Zero(t, svc.calls, "poison message must never reach the saga")
	require.Equal(t, []string{"trip_events.dlt"}, pub.topics)
	require.Equal(t, 1, failedEventCount(t, db))
}

func TestHandleRetriesTransientFailures(t *testing.T) {
	transient := domain.NewDependencyError("pricing-service", errors.New("connection refused"))
	svc := &serviceStub{errs: []error{transient, transient, nil}}
	pub := &publisherStub{}
	c, db := setupConsumer(t, svc, pub)

	c.Handle(context.Background(), tripMessage(t, "trip-1"))

	require.Equal(t, 3, svc.calls)
	require.Empty(t, pub.topics)
	require.Zero(t, failedEventCount(t, db))
}

func TestHandleExhaustedRetriesDeadLetters(t *testing.T) {
	transient := domain.NewDependencyError("pricing-service", errors.New("connection refused"))
	svc := &serviceStub{errs: []error{transient, transient, transient, transient}}
	pub := &publisherStub{}
	c, db := setupConsumer(t, svc, pub)

	c.Handle(context.Background(), tripMessage(t, "trip-1"))

	// MaxRetries 2 means one initial attempt plus two retries.
	require.Equal(t, 3, svc.calls)
	require.Equal(t, []string{"trip_events.dlt"}, pub.topics)
	require.Equal(t, 1, failedEventCount(t, db))
}

func TestHandleNonRetryableErrorStopsImmediately(t *testing.T) {
	svc := &serviceStub{errs: []error{errors.New("unexpected state")}}
	pub := &publisherStub{}
	c, db := setupConsumer(t, svc, pub)

	c.Handle(context.Background(), tripMessage(t, "trip-1"))

	require.Equal(t, 1, svc.calls)
	require.Equal(t, []string{"trip_events.dlt"}, pub.topics)
	require.Equal(t, 1, failedEventCount(t, db))
}

func TestRetryPolicyBackoffDoubles(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
	require.Equal(t, time.Second, policy.backoffFor(1))
	require.Equal(t, 2*time.Second, policy.backoffFor(2))
	require.Equal(t, 4*time.Second, policy.backoffFor(3))
}
