package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/giftd/internal/crypto"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/fulfillment"
	"github.com/alanyoungcy/giftd/internal/queue"
	"github.com/alanyoungcy/giftd/internal/server"
	"github.com/alanyoungcy/giftd/internal/server/handler"
	"github.com/alanyoungcy/giftd/internal/server/ws"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeMode runs the HTTP API. Payment webhooks create gifts and queue their
// purchase for workers; claims run in this process, so it also owns a
// custody signer loop.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSigner(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)
	return g.Wait()
}

// WorkerMode consumes purchase tasks and runs the reconcile and archive
// sweeps.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSigner(ctx, g, deps)
	a.startQueueWorker(ctx, g, deps)
	a.startMaintenance(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API, the queue worker and the sweeps in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSigner(ctx, g, deps)
	a.startQueueWorker(ctx, g, deps)
	a.startMaintenance(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)
	return g.Wait()
}

// DemoMode runs everything in memory against the simulated venue and
// ledger, with purchases executed inline and POST /api/demo/gifts enabled.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode; no real funds or orders are involved")

	g, ctx := errgroup.WithContext(ctx)
	a.startMaintenance(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, true)
	return g.Wait()
}

func (a *App) startSigner(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.SignerLoop == nil {
		return
	}
	g.Go(func() error {
		return deps.SignerLoop(ctx)
	})
}

func (a *App) startQueueWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Inline != nil {
		return
	}
	worker := queue.NewServer(queue.ServerConfig{
		RedisAddr:     a.cfg.Redis.Addr,
		RedisPassword: a.cfg.Redis.Password,
		RedisDB:       a.cfg.Redis.DB,
		Queue:         a.cfg.Queue.Name,
		Concurrency:   a.cfg.Queue.Concurrency,
	}, deps.Orchestrator, a.logger)
	g.Go(func() error {
		return worker.Run(ctx)
	})
}

// startMaintenance schedules the reconcile and archive sweeps. Each run
// holds a lock so only one replica sweeps at a time.
func (a *App) startMaintenance(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Reconcile.Enabled {
		g.Go(func() error {
			return a.runPeriodic(ctx, deps.Locks, "reconcile", a.cfg.Reconcile.Interval.Duration, func(ctx context.Context) error {
				n, err := deps.Orchestrator.Reconcile(ctx)
				if n > 0 {
					a.logger.InfoContext(ctx, "reconciled stale gifts", slog.Int("count", n))
				}
				return err
			})
		})
	}

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			return a.runPeriodic(ctx, deps.Locks, "archive", a.cfg.Archive.Interval.Duration, func(ctx context.Context) error {
				_, err := deps.Archiver.ArchiveGifts(ctx, time.Now().Add(-retention))
				return err
			})
		})
	}
}

// runPeriodic calls fn every interval until ctx is cancelled. Runs that
// fail are logged; runs whose lock is held elsewhere are skipped.
func (a *App) runPeriodic(ctx context.Context, locks domain.LockManager, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	log := a.logger.With(slog.String("job", name))

	runOnce := func() {
		unlock, err := locks.Acquire(ctx, name, interval)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				log.WarnContext(ctx, "acquire job lock failed", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()

		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.ErrorContext(ctx, "periodic job failed", slog.String("error", err.Error()))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}

// startHTTPServer adds the API server and its WebSocket hub to the group.
// The server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, demo bool) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "server.enabled is false; HTTP API not started")
		return
	}

	hub := ws.NewHub(deps.Bus, ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := a.newServer(deps, hub, demo)
	g.Go(func() error {
		return srv.Run(ctx, shutdownTimeout)
	})
}

// newServer builds the API server over the wired orchestrator. hub may be
// nil.
func (a *App) newServer(deps *Dependencies, hub *ws.Hub, demo bool) *server.Server {
	orch := deps.Orchestrator
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Payments: handler.NewPaymentHandler(orch, crypto.NewWebhookSigner(a.cfg.Server.WebhookSecret), a.logger),
		Gifts:    handler.NewGiftHandler(orch, a.logger),
		Events:   handler.NewEventsHandler(deps.Bus, fulfillment.EventStream, a.logger),
		Hub:      hub,
		Metrics:  deps.Metrics.Handler(),
	}
	if demo {
		handlers.Demo = handler.NewDemoHandler(orch, a.logger)
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)
}
