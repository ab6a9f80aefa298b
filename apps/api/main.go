package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/uplink/internal/audit"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/commission"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/lock"
	"github.com/smallbiznis/uplink/internal/network"
	"github.com/smallbiznis/uplink/internal/observability"
	"github.com/smallbiznis/uplink/internal/outbox"
	"github.com/smallbiznis/uplink/internal/policy"
	"github.com/smallbiznis/uplink/internal/rank"
	"github.com/smallbiznis/uplink/internal/recompute"
	"github.com/smallbiznis/uplink/internal/sale"
	"github.com/smallbiznis/uplink/internal/server"
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
)

// The API process serves HTTP only. Outbox dispatch and recompute workers
// run in the scheduler process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		policy.Module,
		audit.Module,
		outbox.Module,
		network.Module,
		sale.Module,
		rank.Module,
		commission.Module,
		recompute.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
