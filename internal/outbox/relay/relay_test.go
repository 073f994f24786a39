package relay

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
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/outbox/domain"
	"github.com/ridewave/payment-service/internal/outbox/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type published struct {
	topic   string
	key     string
	payload []byte
}

type publisherStub struct {
	mu       sync.Mutex
	err      error
	messages []published
}

func (p *publisherStub) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func setupRelay(t *testing.T, pub *publisherStub) (*Relay, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.Exec(`CREATE TABLE payment_outbox (
		id INTEGER PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create payment_outbox: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	relay := New(Params{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{Relay: config.RelayConfig{
			PollInterval:    500 * time.Millisecond,
			BatchSize:       100,
			RescueInterval:  time.Minute,
			StuckTimeout:    10 * time.Minute,
			CleanupInterval: time.Hour,
			Retention:       72 * time.Hour,
			LockTTL:         50 * time.Second,
		}},
		Clock:     fc,
		Repo:      repository.Provide(),
		Publisher: pub,
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	return relay, db, fc, node
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, status domain.Status, createdAt time.Time) snowflake.ID {
	t.Helper()
	id := node.Generate()
	err := db.Exec(
		`INSERT INTO payment_outbox (id, aggregate_id, topic, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, "trip-1", "payment_events", `{"tripId":"trip-1","amount":15000}`, status, createdAt,
	).Error
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return id
}

func rowStatus(t *testing.T, db *gorm.DB, id snowflake.ID) domain.Status {
	t.Helper()
	var status domain.Status
	if err := db.Raw(`SELECT status FROM payment_outbox WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func TestPublishBatchMarksDone(t *testing.T) {
	pub := &publisherStub{}
	relay, db, fc, node := setupRelay(t, pub)

	id := seedEvent(t, db, node, domain.StatusReady, fc.Now())

	if err := relay.PublishBatch(context.Background()); err != nil {
		t.Fatalf("publish batch: %v", err)
	}

	if pub.count() != 1 {
		t.Fatalf("expected 1 published message, got %d", pub.count())
	}
	if pub.messages[0].topic != "payment_events" {
		t.Fatalf("unexpected topic %s", pub.messages[0].topic)
	}
	if pub.messages[0].key != "trip-1" {
		t.Fatalf("expected aggregate id as partition key, got %s", pub.messages[0].key)
	}
	if s := rowStatus(t, db, id); s != domain.StatusDone {
		t.Fatalf("expected DONE, got %s", s)
	}
}

func TestPublishBatchRevertsOnBrokerError(t *testing.T) {
	pub := &publisherStub{err: errors.New("broker unreachable")}
	relay, db, fc, node := setupRelay(t, pub)

	id := seedEvent(t, db, node, domain.StatusReady, fc.Now())

	if err := relay.PublishBatch(context.Background()); err != nil {
		t.Fatalf("publish batch: %v", err)
	}

	if s := rowStatus(t, db, id); s != domain.StatusReady {
		t.Fatalf("expected revert to READY, got %s", s)
	}

	// The broker recovers and the next cycle drains the row.
	pub.err = nil
	if err := relay.PublishBatch(context.Background()); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if s := rowStatus(t, db, id); s != domain.StatusDone {
		t.Fatalf("expected DONE after recovery, got %s", s)
	}
}

func TestRescueStuckResetsOldPublishing(t *testing.T) {
	relay, db, fc, node := setupRelay(t, &publisherStub{})

	stuck := seedEvent(t, db, node, domain.StatusPublishing, fc.Now().Add(-20*time.Minute))
	fresh := seedEvent(t, db, node, domain.StatusPublishing, fc.Now().Add(-time.Minute))

	if err := relay.RescueStuck(context.Background()); err != nil {
		t.Fatalf("rescue: %v", err)
	}

	if s := rowStatus(t, db, stuck); s != domain.StatusReady {
		t.Fatalf("expected stuck row back to READY, got %s", s)
	}
	if s := rowStatus(t, db, fresh); s != domain.StatusPublishing {
		t.Fatalf("fresh row must stay PUBLISHING, got %s", s)
	}
}

func TestCleanupPurgesDoneRowsPastRetention(t *testing.T) {
	relay, db, fc, node := setupRelay(t, &publisherStub{})

	old := seedEvent(t, db, node, domain.StatusDone, fc.Now().Add(-96*time.Hour))
	recent := seedEvent(t, db, node, domain.StatusDone, fc.Now().Add(-time.Hour))

	if err := relay.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	var count int
	if err := db.Raw(`SELECT COUNT(*) FROM payment_outbox WHERE id = ?`, old).Scan(&count).Error; err != nil {
		t.Fatalf("count old: %v", err)
	}
	if count != 0 {
		t.Fatal("expected old DONE row purged")
	}
	if s := rowStatus(t, db, recent); s != domain.StatusDone {
		t.Fatalf("recent DONE row must survive, got %s", s)
	}
}
