package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/dispatch"
	"github.com/smallbiznis/verdant/internal/entitlement"
	"github.com/smallbiznis/verdant/internal/events"
	"github.com/smallbiznis/verdant/internal/membership"
	"github.com/smallbiznis/verdant/internal/observability"
	"github.com/smallbiznis/verdant/internal/order"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/internal/payment/verifier"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"github.com/smallbiznis/verdant/internal/server"
	"github.com/smallbiznis/verdant/pkg/db"
	"go.uber.org/fx"
)

// API process: HTTP surface and in-process handlers. Delivery to the broker runs in apps/worker.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,
		outbox.Module,

		verifier.Module,
		order.Module,
		dispatch.Module,
		entitlement.Module,
		membership.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
