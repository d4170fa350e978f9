package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"log/slog"
	"os"
	"runtime"

	"iiifserv/internal/cache"
	"iiifserv/internal/config"
	"iiifserv/internal/httpapi"
	"iiifserv/internal/imaging"
	"iiifserv/internal/preflight"
	"iiifserv/internal/server"
	"iiifserv/pkg/human"
)

// Build constructs an fx application configured with all dependencies.
func Build(cfg *config.Config) *fx.App {
	logger := newLogger()
	applyRuntimeTuning(logger, cfg)

	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
		fx.Supply(
			cfg,
			logger,
		),
		fx.Provide(
			newCache,
			newImaging,
			preflight.NewRegistry,
			httpapi.NewHandler,
		),
		fx.Invoke(registerBuiltinSpecials),
		server.Module,
	)
}

// newCache opens the on-disk cache, or returns nil when caching is disabled.
func newCache(cfg *config.Config, logger *slog.Logger) (*cache.Manager, error) {
	if !cfg.CacheEnabled() {
		logger.Info("rendering cache disabled")
		return nil, nil
	}
	return cache.New(cfg.Cache.Dir, cfg.Cache.MaxSize.Bytes, cfg.Cache.MaxFiles, cfg.Cache.Hysteresis, logger)
}

func newImaging(logger *slog.Logger) imaging.Service {
	return imaging.NewBimgService(logger)
}

// registerBuiltinSpecials wires the built-in named callbacks. "cache" lists
// the cached artifacts in least-recently-used order.
func registerBuiltinSpecials(registry *preflight.Registry, manager *cache.Manager) {
	if manager == nil {
		return
	}
	registry.RegisterSpecial("cache", func(prefix, identifier, cookie string) (any, error) {
		entries := make([]map[string]any, 0, 16)
		manager.Loop(func(index int, canonical string, rec cache.Record) {
			entries = append(entries, map[string]any{
				"canonical":   canonical,
				"cachepath":   rec.CachePath,
				"origpath":    rec.OrigPath,
				"size":        human.FormatBytes(rec.FSize),
				"access_time": rec.AccessTime.UTC(),
			})
		}, cache.SortAccessTimeAsc)
		return entries, nil
	})
}

func newLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}

func applyRuntimeTuning(logger *slog.Logger, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Runtime.GOMAXPROCS > 0 {
		prev := runtime.GOMAXPROCS(cfg.Runtime.GOMAXPROCS)
		logger.Info("set GOMAXPROCS", "value", cfg.Runtime.GOMAXPROCS, "previous", prev)
	}
	if cfg.Runtime.VIPSConcurrency > 0 {
		configureVipsConcurrency(cfg.Runtime.VIPSConcurrency)
		logger.Info("set libvips concurrency", "value", cfg.Runtime.VIPSConcurrency)
	}
}
