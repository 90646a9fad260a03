package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"mythra-settlement/internal/httpapi"
	"mythra-settlement/pkg/audit"
	"mythra-settlement/pkg/config"
	"mythra-settlement/pkg/db"
	"mythra-settlement/pkg/health"
	"mythra-settlement/pkg/logger"
	"mythra-settlement/pkg/otelcol"
	"mythra-settlement/pkg/profiling"
	"mythra-settlement/pkg/redis"
	"mythra-settlement/pkg/server"
	"mythra-settlement/pkg/task"
	"mythra-settlement/services/budget"
	"mythra-settlement/services/campaign"
	"mythra-settlement/services/distribution"
	"mythra-settlement/services/escrow"
	"mythra-settlement/services/event"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		audit.Module,
		health.Module,
		otelcol.Module,
		profiling.Module,
		fx.Provide(provideSnowflakeNode),
		escrow.Module,
		event.Module,
		campaign.Module,
		budget.Module,
		distribution.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
