package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/numera/internal/audit"
	"github.com/smallbiznis/numera/internal/billingsync"
	"github.com/smallbiznis/numera/internal/clock"
	"github.com/smallbiznis/numera/internal/config"
	"github.com/smallbiznis/numera/internal/ddi"
	"github.com/smallbiznis/numera/internal/didorder"
	"github.com/smallbiznis/numera/internal/invoice"
	"github.com/smallbiznis/numera/internal/migration"
	"github.com/smallbiznis/numera/internal/notification"
	"github.com/smallbiznis/numera/internal/observability"
	"github.com/smallbiznis/numera/internal/rating"
	"github.com/smallbiznis/numera/internal/reconcile"
	"github.com/smallbiznis/numera/internal/renewal"
	"github.com/smallbiznis/numera/internal/server"
	"github.com/smallbiznis/numera/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		ddi.Module,
		didorder.Module,
		invoice.Module,
		billingsync.Module,
		rating.Module,
		notification.Module,
		audit.Module,
		reconcile.Module,
		renewal.Module,

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
