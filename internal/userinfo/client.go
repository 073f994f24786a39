package userinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/payment/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "user-service"

// Client fetches a rider's default payment method from the user service.
// Unavailability is classified retryable, same as pricing: the saga must not
// create a payment row until both lookups succeed.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker[domain.UserInfo]
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) domain.UserLookup {
	return &Client{
		http:    &http.Client{Timeout: 5 * time.Second},
		baseURL: cfg.UserServiceURL,
		breaker: gobreaker.NewCircuitBreaker[domain.UserInfo](gobreaker.Settings{
			Name:    serviceName,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.Named("userinfo.client"),
	}
}

func (c *Client) GetUserInfoForPayment(ctx context.Context, userID string) (domain.UserInfo, error) {
	info, err := c.breaker.Execute(func() (domain.UserInfo, error) {
		return c.getUserInfo(ctx, userID)
	})
	if err != nil {
		c.log.Warn("user lookup failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return domain.UserInfo{}, domain.NewDependencyError(serviceName, err)
	}
	return info, nil
}

func (c *Client) getUserInfo(ctx context.Context, userID string) (domain.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/api/users/%s/payment-methods/default", c.baseURL, url.PathEscape(userID)), nil)
	if err != nil {
		return domain.UserInfo{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.UserInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.UserInfo{}, fmt.Errorf("user service returned %d", resp.StatusCode)
	}

	var info domain.UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.UserInfo{}, err
	}
	return info, nil
}

var Module = fx.Module("userinfo",
	fx.Provide(NewClient),
)
