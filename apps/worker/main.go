package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/broker"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/dispatch"
	"github.com/smallbiznis/verdant/internal/entitlement"
	"github.com/smallbiznis/verdant/internal/events"
	"github.com/smallbiznis/verdant/internal/migration"
	"github.com/smallbiznis/verdant/internal/observability"
	"github.com/smallbiznis/verdant/internal/order"
	"github.com/smallbiznis/verdant/internal/outbox"
	"github.com/smallbiznis/verdant/internal/outbox/relay"
	"github.com/smallbiznis/verdant/internal/payment/verifier"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"github.com/smallbiznis/verdant/internal/scheduler"
	"github.com/smallbiznis/verdant/pkg/db"
	"go.uber.org/fx"
)

// Worker process: outbox relay, entitlement consumer and scheduled jobs.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,
		outbox.Module,
		broker.Module,

		// handler retry re-runs dispatch handlers, which need the order service
		verifier.Module,
		order.Module,
		dispatch.Module,
		entitlement.Module,

		relay.Module,
		entitlement.ConsumerModule,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
