package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/ridewave/payment-service/internal/broker"
	"github.com/ridewave/payment-service/internal/clock"
	"github.com/ridewave/payment-service/internal/config"
	"github.com/ridewave/payment-service/internal/consumer"
	"github.com/ridewave/payment-service/internal/failedevent"
	"github.com/ridewave/payment-service/internal/gateway"
	"github.com/ridewave/payment-service/internal/joblock"
	"github.com/ridewave/payment-service/internal/logger"
	"github.com/ridewave/payment-service/internal/migration"
	"github.com/ridewave/payment-service/internal/observability/metrics"
	"github.com/ridewave/payment-service/internal/outbox"
	"github.com/ridewave/payment-service/internal/payment"
	"github.com/ridewave/payment-service/internal/pricing"
	"github.com/ridewave/payment-service/internal/rescue"
	"github.com/ridewave/payment-service/internal/server"
	"github.com/ridewave/payment-service/internal/userinfo"
	"github.com/ridewave/payment-service/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		joblock.Module,
		metrics.Module,
		broker.Module,

		// Saga and supporting domains
		gateway.Module,
		pricing.Module,
		userinfo.Module,
		failedevent.Module,
		payment.Module,
		outbox.Module,
		rescue.Module,

		// Ingress surfaces
		consumer.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
