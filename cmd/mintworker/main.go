package main

import (
	"context"
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "trophymint/pkg/asynq"
	"trophymint/pkg/config"
	"trophymint/pkg/db"
	"trophymint/pkg/featureflags"
	"trophymint/pkg/hashistack/secretmanager"
	"trophymint/pkg/logger"
	"trophymint/pkg/minio"
	"trophymint/pkg/otelcol"
	"trophymint/pkg/otelcol/exporters"
	"trophymint/pkg/profiling"
	"trophymint/pkg/redis"
	"trophymint/pkg/sequence"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
	"trophymint/services/catalog"
	"trophymint/services/chain"
	"trophymint/services/eligibility"
	"trophymint/services/forge"
	"trophymint/services/mint"
	"trophymint/services/pinning"
	"trophymint/services/points"
	"trophymint/services/reconcile"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		fx.Provide(
			task.NewEnqueuer,
			provideSnowflakeNode,
		),
		sequence.Module,
		featureflags.Module,
		minio.Client,
		fx.Invoke(setupTracing),
		chain.Module,
		pinning.Module,
		eligibility.Module,
		catalog.Module,
		points.Module,
		mint.Module,
		mint.TaskModule,
		forge.Module,
		forge.TaskModule,
		reconcile.Module,
		fx.Invoke(registerHandlers),
		pkgasynq.Server,
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
	return snowflake.NewNode(2)
}

// Workers ship spans over grpc; the collector sits next to them on the task
// network, unlike the edge API which goes through the http ingest.
func setupTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Otel.Addr == "" {
		zap.L().Warn("otel not configured, spans stay local")
		return nil
	}

	exporter, err := exporters.ProvideGrpc(cfg)
	if err != nil {
		return err
	}

	tp := otelcol.ProvideTrace(exporter,
		trace.WithResource(otelcol.ServiceResource(cfg.AppName, cfg.AppVersion)),
	)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return nil
}

func registerHandlers(mux *asynq.ServeMux, mintTask *mint.Task, forgeTask *forge.Task) {
	mux.HandleFunc(taskname.MintAdvance, mintTask.HandleMintAdvanceTask)
	mux.HandleFunc(taskname.ForgeAdvance, forgeTask.HandleForgeAdvanceTask)
}
