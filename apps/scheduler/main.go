package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/gridsight/consentgate/internal/clock"
	"github.com/gridsight/consentgate/internal/config"
	"github.com/gridsight/consentgate/internal/consent"
	"github.com/gridsight/consentgate/internal/ledger"
	"github.com/gridsight/consentgate/internal/migration"
	"github.com/gridsight/consentgate/internal/observability"
	"github.com/gridsight/consentgate/internal/remote"
	"github.com/gridsight/consentgate/internal/scheduler"
	"github.com/gridsight/consentgate/internal/subscription"
	"github.com/gridsight/consentgate/internal/usagepoint"
	"github.com/gridsight/consentgate/pkg/db"
)

// Standalone renewal worker. Runs the scheduler jobs without the HTTP API
// so it can be scaled independently; concurrent replicas skip each other's
// claims.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		usagepoint.Module,
		consent.Module,
		ledger.Module,
		subscription.Module,
		remote.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
