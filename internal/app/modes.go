package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bullpawn/bullpawn/internal/domain"
	"github.com/bullpawn/bullpawn/internal/server"
	"github.com/bullpawn/bullpawn/internal/server/handler"
	"github.com/bullpawn/bullpawn/internal/server/ws"
)

// shutdownGrace bounds HTTP shutdown and the wait for detached confirmations.
const shutdownGrace = 30 * time.Second

// ServerMode serves the HTTP API and the dashboard WebSocket. Positions
// written by keeper or other server processes are merged from the store every
// sync interval.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	a.startHTTPServer(gctx, g, deps)
	g.Go(func() error { return deps.Pawn.Sync(gctx, a.cfg.Keeper.SyncInterval.Duration) })
	return a.finish(ctx, g, deps)
}

// KeeperMode runs only the liquidation keeper.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Keeper.Run(gctx) })
	return a.finish(ctx, g, deps)
}

// FullMode runs the HTTP API and the keeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	a.startHTTPServer(gctx, g, deps)
	g.Go(func() error { return deps.Keeper.Run(gctx) })
	return a.finish(ctx, g, deps)
}

// finish waits for the mode's goroutines, then lets in-flight confirmations
// settle so the ledger and store record every submitted transaction.
func (a *App) finish(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if werr := deps.Pawn.Wait(waitCtx); werr != nil {
		a.logger.Warn("app: pending confirmations did not settle", slog.String("error", werr.Error()))
	}
	return err
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      a.startedAt,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			ActivePositions: func() int64 {
				return deps.Pawn.Counts()[domain.StateActive]
			},
		})
		g.Go(func() error {
			if err := hub.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Status:  handler.NewStatusHandler(deps.Pawn, deps.Prices, a.cfg.Mode, a.startedAt, a.logger),
		Price:   handler.NewPriceHandler(deps.Prices, a.logger),
		Pawn:    handler.NewPawnHandler(deps.Pawn, deps.Chain.Wallet(), a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
		ReadTimeout:        a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:       a.cfg.Server.WriteTimeout.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
