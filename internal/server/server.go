package server

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"iiifserv/internal/cache"
	"iiifserv/internal/config"
	"iiifserv/internal/httpapi"
)

// Module exposes fx providers for the HTTP server.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(RegisterLifecycle),
)

// Params bundles dependencies for HTTP lifecycle registration.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Engine    *gin.Engine
	Cache     *cache.Manager `optional:"true"`
	Logger    *slog.Logger
}

// NewEngine constructs the gin engine with registered routes.
func NewEngine(cfg *config.Config, handler *httpapi.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Accept", "Range", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Range", "Link"},
		MaxAge:        12 * time.Hour,
	}))
	handler.Register(r)
	return r
}

// RegisterLifecycle wires the HTTP server into fx lifecycle. Shutdown
// flushes the cache index so a clean restart skips re-rendering.
func RegisterLifecycle(p Params) {
	srv := &http.Server{
		Addr:              p.Config.Server.Address(),
		Handler:           p.Engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       p.Config.Server.ReadTimeout.Duration,
		WriteTimeout:      p.Config.Server.WriteTimeout.Duration,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Logger.Info("starting HTTP server", slog.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					p.Logger.Error("http server failure", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("stopping HTTP server")
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			if p.Cache != nil {
				if err := p.Cache.Flush(); err != nil {
					p.Logger.Error("cache index flush failed", slog.Any("error", err))
				}
			}
			return nil
		},
	})
}
