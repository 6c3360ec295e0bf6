package main

import (
	"context"
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"trophymint/internal/httpapi"
	"trophymint/pkg/authz"
	"trophymint/pkg/config"
	"trophymint/pkg/db"
	"trophymint/pkg/featureflags"
	"trophymint/pkg/hashistack/secretmanager"
	"trophymint/pkg/hashistack/servicediscover"
	"trophymint/pkg/health"
	"trophymint/pkg/logger"
	"trophymint/pkg/minio"
	"trophymint/pkg/otelcol"
	"trophymint/pkg/otelcol/exporters"
	"trophymint/pkg/profiling"
	"trophymint/pkg/redis"
	"trophymint/pkg/sequence"
	"trophymint/pkg/server"
	"trophymint/pkg/task"
	"trophymint/services/apikey"
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
		task.Client,
		sequence.Module,
		featureflags.Module,
		minio.Client,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(setupTracing),
		chain.Module,
		pinning.Module,
		eligibility.Module,
		catalog.Module,
		points.Module,
		mint.Module,
		forge.Module,
		reconcile.Module,
		apikey.Module,
		authz.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,
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

func setupTracing(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Otel.Addr == "" {
		zap.L().Warn("otel not configured, spans stay local")
		return nil
	}

	exporter, err := exporters.ProvideHttp(cfg)
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
