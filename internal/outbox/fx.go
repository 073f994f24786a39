package outbox

import (
	"context"

	"github.com/ridewave/payment-service/internal/outbox/relay"
	"github.com/ridewave/payment-service/internal/outbox/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(repository.Provide),
	fx.Provide(relay.New),
	fx.Invoke(StartRelay),
)

func StartRelay(lc fx.Lifecycle, r *relay.Relay) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go r.RunForever(ctx)

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
