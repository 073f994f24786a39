package payment

import (
	"github.com/ridewave/payment-service/internal/payment/repository"
	"github.com/ridewave/payment-service/internal/payment/service"
	"github.com/ridewave/payment-service/internal/payment/transaction"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(transaction.New),
	fx.Provide(service.New),
)
