package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	pkgasynq "trophymint/pkg/asynq"
	"trophymint/pkg/config"
	"trophymint/pkg/db"
	"trophymint/pkg/hashistack/secretmanager"
	"trophymint/pkg/logger"
	"trophymint/pkg/redis"
	"trophymint/pkg/task"
	"trophymint/pkg/taskname"
	"trophymint/services/chain"
	"trophymint/services/eligibility"
	"trophymint/services/housekeeping"
	"trophymint/services/reconcile"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		pkgasynq.Client,
		fx.Provide(
			task.NewEnqueuer,
			provideSnowflakeNode,
		),
		chain.Module,
		eligibility.Module,
		eligibility.TaskModule,
		reconcile.Module,
		reconcile.TaskModule,
		housekeeping.Module,
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
	return snowflake.NewNode(3)
}

func registerHandlers(mux *asynq.ServeMux, rec *reconcile.Task, elig *eligibility.Task) {
	mux.HandleFunc(taskname.ReconcileRun, rec.HandleReconcileRunTask)
	mux.HandleFunc(taskname.ReconcilePurge, rec.HandleReconcilePurgeTask)
	mux.HandleFunc(taskname.EligibilitySweep, elig.HandleEligibilitySweepTask)
}
