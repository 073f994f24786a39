package gateway

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"go.uber.org/zap"
)

// ErrDeclined is what the simulated gateway returns when the card issuer
// rejects the charge. Declines are terminal for the saga.
var ErrDeclined = errors.New("card issuer declined the charge")

// SimulatedClient stands in for a real payment gateway. Its interface
// contract (authorize, cancel, query-status) is the authoritative one.
type SimulatedClient struct {
	log *zap.Logger

	// DeclineRate is the probability an authorize call is rejected.
	DeclineRate float64
	// Latency is applied to every call to mimic the network round trip.
	Latency time.Duration

	charged chargeLedger
}

func NewSimulatedClient(log *zap.Logger) *SimulatedClient {
	return &SimulatedClient{
		log:         log.Named("gateway"),
		DeclineRate: 0.2,
		Latency:     500 * time.Millisecond,
	}
}

func (c *SimulatedClient) Authorize(ctx context.Context) (string, error) {
	if err := c.sleep(ctx); err != nil {
		return "", err
	}

	if rand.Float64() < c.DeclineRate {
		c.log.Warn("authorize declined")
		return "", ErrDeclined
	}

	pgTxID := "tx_" + uuid.NewString()[:8]
	c.charged.set(pgTxID)
	c.log.Info("authorize approved", zap.String("pg_transaction_id", pgTxID))
	return pgTxID, nil
}

func (c *SimulatedClient) Cancel(ctx context.Context, pgTxID string) error {
	if err := c.sleep(ctx); err != nil {
		return err
	}
	c.charged.clear(pgTxID)
	c.log.Info("charge cancelled", zap.String("pg_transaction_id", pgTxID))
	return nil
}

func (c *SimulatedClient) QueryStatus(ctx context.Context, pgTxID string) (domain.GatewayStatus, error) {
	if err := c.sleep(ctx); err != nil {
		return "", err
	}
	if c.charged.has(pgTxID) {
		return domain.GatewayStatusPaid, nil
	}
	return domain.GatewayStatusNotCharged, nil
}

func (c *SimulatedClient) sleep(ctx context.Context) error {
	if c.Latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.Latency):
		return nil
	}
}
