package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/audit"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/commission"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/lock"
	"github.com/smallbiznis/uplink/internal/migration"
	"github.com/smallbiznis/uplink/internal/network"
	"github.com/smallbiznis/uplink/internal/observability"
	"github.com/smallbiznis/uplink/internal/outbox"
	"github.com/smallbiznis/uplink/internal/policy"
	"github.com/smallbiznis/uplink/internal/rank"
	"github.com/smallbiznis/uplink/internal/recompute"
	"github.com/smallbiznis/uplink/internal/sale"
	"github.com/smallbiznis/uplink/internal/scheduler"
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Domain services required by scheduler
		policy.Module,
		audit.Module,
		outbox.Module,
		network.Module,
		sale.Module,
		rank.Module,
		commission.Module,
		recompute.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
