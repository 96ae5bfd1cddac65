package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/priceescrow/internal/escrow"
	"github.com/alanyoungcy/priceescrow/internal/oracle"
	"github.com/alanyoungcy/priceescrow/internal/pipeline"
	"github.com/alanyoungcy/priceescrow/internal/server"
	"github.com/alanyoungcy/priceescrow/internal/server/handler"
	"github.com/alanyoungcy/priceescrow/internal/server/ws"
	"github.com/alanyoungcy/priceescrow/internal/service"
)

// ServerMode serves the HTTP and websocket API. Prices come from the shared
// cache that a separate oracle process keeps current.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	triggerCh := a.startArchive(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, triggerCh)
	return g.Wait()
}

// OracleMode only feeds oracle observations into the price cache.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting oracle mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startOracle(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode runs the archive cron without serving requests.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: blob archiver not wired")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchive(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the oracle feeder, the API and, when enabled, the archive in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startOracle(ctx, g, deps)
	triggerCh := a.startArchive(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, triggerCh)
	}
	return g.Wait()
}

// startOracle adds the configured Pyth sources to g. Each source writes
// through one sink into the price cache and onto the "prices" channel.
func (a *App) startOracle(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	oc := a.cfg.Oracle
	sink := oracle.NewSink(deps.PriceCache, deps.SignalBus, deps.Metrics, a.logger)

	if oc.Source == "ws" || oc.Source == "both" {
		stream := oracle.NewPythStream(oc.HermesWSURL, oc.FeedIDs, sink, a.logger)
		g.Go(func() error {
			err := stream.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pyth stream: %w", err)
		})
	}
	if oc.Source == "http" || oc.Source == "both" {
		poller := oracle.NewPythPoller(oc.HermesURL, oc.FeedIDs, oc.PollInterval.Duration, sink, a.logger)
		g.Go(func() error {
			err := poller.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pyth poller: %w", err)
		})
	}
}

// startArchive adds the archive cron to g when an archiver is wired and
// returns the channel that requests an immediate run. The channel is nil when
// the archive is off.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies) chan struct{} {
	if deps.Archiver == nil {
		return nil
	}
	triggerCh := make(chan struct{}, 1)
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, deps.Metrics, a.logger)
	g.Go(func() error {
		err := archiver.RunCron(ctx, a.cfg.Archive.Cron, triggerCh)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("archive cron: %w", err)
	})
	return triggerCh
}

// startHTTPServer adds the API server and websocket hub to g. The server is
// shut down gracefully when the context is cancelled. archiveTrigger is
// optional; when non-nil the operator archive routes are registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, archiveTrigger chan<- struct{}) {
	feedID := a.cfg.FeedID()
	maxAge := a.cfg.Oracle.MaxPriceAge.Duration

	reader := oracle.NewCacheReader(deps.PriceCache, a.cfg.Oracle.FeedIDs)
	machine := escrow.NewMachine(reader, feedID, maxAge)
	escrowSvc := service.NewEscrowService(
		deps.UnitOfWork, machine, deps.LockManager, deps.SignalBus, deps.Metrics, a.logger,
	).WithNotifier(deps.Notifier).WithLockTiming(a.cfg.Escrow.LockTTL.Duration, a.cfg.Escrow.LockWait.Duration)
	priceSvc := service.NewPriceService(deps.PriceCache, a.cfg.Oracle.FeedIDs, maxAge)

	checks := make(map[string]handler.Check, len(deps.Checks)+1)
	for name, check := range deps.Checks {
		checks[name] = check
	}
	checks["oracle"] = func(ctx context.Context) error {
		_, err := reader.ReadPrice(ctx, feedID, maxAge)
		return err
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(checks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, feedID, a.cfg.Store.Driver, a.startedAt),
		Escrows: handler.NewEscrowHandler(escrowSvc, a.logger),
		Custody: handler.NewCustodyHandler(escrowSvc, a.logger),
		Prices:  handler.NewPriceHandler(priceSvc, a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	if archiveTrigger != nil && deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger).WithTriggerChannel(archiveTrigger)
	}

	opts := server.Options{
		Limiter: deps.RateLimiter,
		Metrics: deps.Metrics,
	}
	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Channels:  []string{service.EventsChannel, oracle.PricesChannel},
			Mode:      a.cfg.Mode,
			FeedID:    feedID,
			StartedAt: a.startedAt,
		})
		opts.Hub = hub
		g.Go(func() error {
			err := hub.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		MaxClockSkew: a.cfg.Server.MaxClockSkew.Duration,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
	}, handlers, opts, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty; operator routes are disabled")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("HTTP server shutting down", slog.Int("port", a.cfg.Server.Port))
		return srv.Shutdown(shutCtx)
	})
}
