package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
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
	"trophymint/pkg/redis"
	"trophymint/pkg/sequence"
	"trophymint/pkg/task"
	"trophymint/services/catalog"
	"trophymint/services/chain"
	"trophymint/services/eligibility"
	"trophymint/services/forge"
	"trophymint/services/grants"
	"trophymint/services/mint"
	"trophymint/services/pinning"
	"trophymint/services/points"
)

// seedFile is the on-disk shape: catalog entries plus forge seasons. Grant
// rules ship with the binary and are always refreshed.
type seedFile struct {
	Entries []*catalog.CatalogEntry `json:"entries"`
	Seasons []*forge.Season         `json:"seasons"`
}

func main() {
	path := flag.String("file", "", "path to a seed file with catalog entries and seasons")
	flag.Parse()

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
		sequence.Module,
		featureflags.Module,
		minio.Client,
		chain.Module,
		pinning.Module,
		eligibility.Module,
		catalog.Module,
		points.Module,
		mint.Module,
		forge.Module,
		grants.Module,
		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, p seedParams) {
			runSeed(lc, sd, *path, p)
		}),
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
	return snowflake.NewNode(5)
}

type seedParams struct {
	fx.In

	Catalog  catalog.Service
	Forge    forge.Service
	Grants   grants.Service
	Sequence sequence.Generator
}

func runSeed(lc fx.Lifecycle, sd fx.Shutdowner, path string, p seedParams) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := seed(context.Background(), path, p); err != nil {
					zap.L().Error("❌ [Seed] failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				zap.L().Info("🎉 [Seed] done")
				_ = sd.Shutdown()
			}()
			return nil
		},
	})
}

func seed(ctx context.Context, path string, p seedParams) error {
	if err := p.Grants.SeedRules(ctx, grants.DefaultRules); err != nil {
		return err
	}
	zap.L().Info("✅ [Seed] grant rules refreshed", zap.Int("rules", len(grants.DefaultRules)))

	if path == "" {
		zap.L().Warn("[Seed] no seed file given, only grant rules were seeded")
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var f seedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}

	if len(f.Seasons) > 0 {
		if err := p.Forge.SeedSeasons(ctx, f.Seasons); err != nil {
			return err
		}
		zap.L().Info("✅ [Seed] seasons upserted", zap.Int("seasons", len(f.Seasons)))
	}

	if len(f.Entries) > 0 {
		batch, err := p.Sequence.NextSeedBatchCode(ctx)
		if err != nil {
			return err
		}
		if err := p.Catalog.SeedEntries(ctx, batch, f.Entries); err != nil {
			return err
		}
		zap.L().Info("✅ [Seed] catalog entries loaded", zap.String("batch", batch), zap.Int("entries", len(f.Entries)))
	}

	return nil
}
