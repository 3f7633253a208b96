package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/gridsight/consentgate/internal/clock"
	"github.com/gridsight/consentgate/internal/config"
	"github.com/gridsight/consentgate/internal/migration"
	"github.com/gridsight/consentgate/internal/observability"
	"github.com/gridsight/consentgate/internal/scheduler"
	"github.com/gridsight/consentgate/internal/server"
	"github.com/gridsight/consentgate/pkg/db"
)

// Monolith entry point: HTTP API plus the in-process renewal scheduler.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
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
