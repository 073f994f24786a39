package rescue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	outboxrepo "github.com/ridewave/payment-service/internal/outbox/repository"
	"github.com/ridewave/payment-service/internal/payment/domain"
	paymentrepo "github.com/ridewave/payment-service/internal/payment/repository"
	"github.com/ridewave/payment-service/internal/payment/transaction"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type gatewayStub struct {
	status      domain.GatewayStatus
	statusErr   error
	cancelErr   error
	cancelCalls int
}

func (g *gatewayStub) Authorize(ctx context.Context) (string, error) {
	return "", errors.New("not used")
}

func (g *gatewayStub) Cancel(ctx context.Context, pgTxID string) error {
	g.cancelCalls++
	return g.cancelErr
}

func (g *gatewayStub) QueryStatus(ctx context.Context, pgTxID string) (domain.GatewayStatus, error) {
	if g.statusErr != nil {
		return "", g.statusErr
	}
	return g.status, nil
}

func setupRescue(t *testing.T, gw domain.Gateway) (*Job, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
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

	if err := db.Exec(`CREATE TABLE payments (
		id INTEGER PRIMARY KEY,
		payment_id TEXT NOT NULL,
		trip_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		payment_method_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		pg_transaction_id TEXT,
		failure_reason TEXT,
		requested_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create payments: %v", err)
	}
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
	repo := paymentrepo.Provide()

	coordinator := transaction.New(transaction.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fc,
		Repo:       repo,
		OutboxRepo: outboxrepo.Provide(),
	})

	job := New(Params{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{Rescue: config.RescueConfig{
			Interval:  time.Minute,
			Deadline:  10 * time.Minute,
			BatchSize: 50,
			LockTTL:   50 * time.Second,
		}},
		Clock:       fc,
		Repo:        repo,
		Coordinator: coordinator,
		Gateway:     gw,
		Metrics:     metrics.New(prometheus.NewRegistry()),
	})
	return job, db, fc, node
}

func seedProcessing(t *testing.T, db *gorm.DB, node *snowflake.Node, tripID string, pgTxID *string, updatedAt time.Time) snowflake.ID {
	t.Helper()
	id := node.Generate()
	err := db.Exec(
		`INSERT INTO payments (
			id, payment_id, trip_id, user_id, payment_method_id, amount,
			status, pg_transaction_id, requested_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "pay_"+tripID, tripID, "user-1", "pm-1", 15000,
		domain.StatusProcessing, pgTxID, updatedAt, updatedAt,
	).Error
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return id
}

func paymentStatus(t *testing.T, db *gorm.DB, id snowflake.ID) domain.PaymentStatus {
	t.Helper()
	var status domain.PaymentStatus
	if err := db.Raw(`SELECT status FROM payments WHERE id = ?`, id).Scan(&status).Error; err != nil {
		t.Fatalf("read status: %v", err)
	}
	return status
}

func outboxCount(t *testing.T, db *gorm.DB) int {
	t.Helper()
	var count int
	if err := db.Raw(`SELECT COUNT(*) FROM payment_outbox`).Scan(&count).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return count
}

func TestRescueZombieWithoutCharge(t *testing.T) {
	gw := &gatewayStub{}
	job, db, fc, node := setupRescue(t, gw)

	id := seedProcessing(t, db, node, "trip-1", nil, fc.Now().Add(-30*time.Minute))
	fresh := seedProcessing(t, db, node, "trip-2", nil, fc.Now().Add(-time.Minute))

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if s := paymentStatus(t, db, id); s != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", s)
	}
	if s := paymentStatus(t, db, fresh); s != domain.StatusProcessing {
		t.Fatalf("fresh row must stay PROCESSING, got %s", s)
	}
	if gw.cancelCalls != 0 {
		t.Fatal("no charge recorded, no cancel expected")
	}
	if outboxCount(t, db) != 1 {
		t.Fatal("expected a payment-failed outbox event")
	}
}

func TestRescueZombieCompensatesSettledCharge(t *testing.T) {
	gw := &gatewayStub{status: domain.GatewayStatusPaid}
	job, db, fc, node := setupRescue(t, gw)

	pgTxID := "tx_deadbeef"
	id := seedProcessing(t, db, node, "trip-1", &pgTxID, fc.Now().Add(-30*time.Minute))

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if gw.cancelCalls != 1 {
		t.Fatalf("expected 1 compensating cancel, got %d", gw.cancelCalls)
	}
	if s := paymentStatus(t, db, id); s != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", s)
	}

	var kept sql.NullString
	if err := db.Raw(`SELECT pg_transaction_id FROM payments WHERE id = ?`, id).Scan(&kept).Error; err != nil {
		t.Fatalf("read pg tx id: %v", err)
	}
	if !kept.Valid || kept.String != pgTxID {
		t.Fatalf("expected pg transaction id retained for audit, got %v", kept)
	}
}

func TestRescueZombieUnchargedSkipsCancel(t *testing.T) {
	gw := &gatewayStub{status: domain.GatewayStatusNotCharged}
	job, db, fc, node := setupRescue(t, gw)

	pgTxID := "tx_deadbeef"
	id := seedProcessing(t, db, node, "trip-1", &pgTxID, fc.Now().Add(-30*time.Minute))

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if gw.cancelCalls != 0 {
		t.Fatalf("expected no cancel, got %d", gw.cancelCalls)
	}
	if s := paymentStatus(t, db, id); s != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", s)
	}
}

func TestRescueZombieStatusQueryFailureMarksUnknown(t *testing.T) {
	gw := &gatewayStub{statusErr: errors.New("gateway timeout")}
	job, db, fc, node := setupRescue(t, gw)

	pgTxID := "tx_deadbeef"
	broken := seedProcessing(t, db, node, "trip-1", &pgTxID, fc.Now().Add(-30*time.Minute))
	plain := seedProcessing(t, db, node, "trip-2", nil, fc.Now().Add(-30*time.Minute))

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if s := paymentStatus(t, db, broken); s != domain.StatusUnknown {
		t.Fatalf("expected UNKNOWN, got %s", s)
	}
	// One failing row must not abort the batch.
	if s := paymentStatus(t, db, plain); s != domain.StatusFailed {
		t.Fatalf("expected FAILED for the other zombie, got %s", s)
	}
}

func TestRescueZombieCancelFailureMarksUnknown(t *testing.T) {
	gw := &gatewayStub{status: domain.GatewayStatusPaid, cancelErr: errors.New("gateway timeout")}
	job, db, fc, node := setupRescue(t, gw)

	pgTxID := "tx_deadbeef"
	id := seedProcessing(t, db, node, "trip-1", &pgTxID, fc.Now().Add(-30*time.Minute))

	if err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if s := paymentStatus(t, db, id); s != domain.StatusUnknown {
		t.Fatalf("expected UNKNOWN, got %s", s)
	}
	if outboxCount(t, db) != 0 {
		t.Fatal("UNKNOWN resolution must not publish an outbox event")
	}
}
