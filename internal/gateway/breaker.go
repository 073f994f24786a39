package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// breakerClient guards every gateway call with a circuit breaker. A business
// decline is a successful round trip and must not trip the breaker.
type breakerClient struct {
	inner     domain.Gateway
	authorize *gobreaker.CircuitBreaker[string]
	cancel    *gobreaker.CircuitBreaker[struct{}]
	status    *gobreaker.CircuitBreaker[domain.GatewayStatus]
}

func settings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeclined)
		},
	}
}

func WithBreaker(inner domain.Gateway) domain.Gateway {
	return &breakerClient{
		inner:     inner,
		authorize: gobreaker.NewCircuitBreaker[string](settings("pg-authorize")),
		cancel:    gobreaker.NewCircuitBreaker[struct{}](settings("pg-cancel")),
		status:    gobreaker.NewCircuitBreaker[domain.GatewayStatus](settings("pg-status")),
	}
}

func (c *breakerClient) Authorize(ctx context.Context) (string, error) {
	return c.authorize.Execute(func() (string, error) {
		return c.inner.Authorize(ctx)
	})
}

func (c *breakerClient) Cancel(ctx context.Context, pgTxID string) error {
	_, err := c.cancel.Execute(func() (struct{}, error) {
		return struct{}{}, c.inner.Cancel(ctx, pgTxID)
	})
	return err
}

func (c *breakerClient) QueryStatus(ctx context.Context, pgTxID string) (domain.GatewayStatus, error) {
	return c.status.Execute(func() (domain.GatewayStatus, error) {
		return c.inner.QueryStatus(ctx, pgTxID)
	})
}

func New(log *zap.Logger) domain.Gateway {
	return WithBreaker(NewSimulatedClient(log))
}

var Module = fx.Module("gateway",
	fx.Provide(New),
)
