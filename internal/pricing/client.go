package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "pricing-service"

type fareResponse struct {
	Fare int64 `json:"fare"`
}

// Client calls the pricing service to rate a completed trip. Transport
// failures, non-2xx responses and an open breaker all surface as retryable
// dependency errors.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker[int64]
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) domain.FareQuoter {
	return &Client{
		http:    &http.Client{Timeout: 5 * time.Second},
		baseURL: cfg.PricingServiceURL,
		breaker: gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
			Name:    serviceName,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.Named("pricing.client"),
	}
}

func (c *Client) CalculateFare(ctx context.Context, event domain.TripCompletedEvent) (int64, error) {
	fare, err := c.breaker.Execute(func() (int64, error) {
		return c.calculateFare(ctx, event)
	})
	if err != nil {
		c.log.Warn("fare lookup failed",
			zap.String("trip_id", event.TripID),
			zap.Error(err),
		)
		return 0, domain.NewDependencyError(serviceName, err)
	}
	return fare, nil
}

func (c *Client) calculateFare(ctx context.Context, event domain.TripCompletedEvent) (int64, error) {
	query := url.Values{}
	query.Set("tripId", event.TripID)
	query.Set("distance_meters", strconv.Itoa(event.DistanceMeters))
	query.Set("duration_seconds", strconv.Itoa(event.DurationSeconds))
	query.Set("end_timestamp", event.EndedAt.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/internal/api/pricing/calculate?"+query.Encode(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pricing service returned %d", resp.StatusCode)
	}

	var body fareResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Fare, nil
}

var Module = fx.Module("pricing",
	fx.Provide(NewClient),
)
