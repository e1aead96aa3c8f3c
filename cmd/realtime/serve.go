package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpAdapter "github.com/lorrc/studio-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/studio-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/studio-realtime/internal/adapters/primary/websocket"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay for local dashboards",
		Long: `serve starts a realtime session for REALTIME_VIEWER_ROLE and
REALTIME_VIEWER_ID and relays every domain event and list refresh to
websocket clients on /api/v1/ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("serve: %w", errNoSecret)
	}

	viewer := a.configuredViewer()
	stack, err := newRealtimeStack(cfg, logger, a.debug, viewer)
	if err != nil {
		return err
	}
	defer stack.Close()

	// Relay hub: domain events by shoot room, list refreshes to everyone.
	hub := websocket.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	unsubscribe := stack.bus.Subscribe(hub)
	defer unsubscribe()
	stack.registries.Shoots.Register(hub.Refresher(websocket.MessageRefreshShoots))
	stack.registries.ShootHistory.Register(hub.Refresher(websocket.MessageRefreshShootHistory))
	stack.registries.Invoices.Register(hub.Refresher(websocket.MessageRefreshInvoices))
	stack.registries.EditingRequests.Register(hub.Refresher(websocket.MessageRefreshEditingRequests))

	stack.start(ctx, logger, viewer)

	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		defer rateLimiter.Close()
	}

	errorHandler := httpAdapter.NewErrorHandler(logger)
	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		Health:      httpAdapter.NewHealthHandler(stack.manager, hub, cfg.App.Version),
		Realtime:    httpAdapter.NewRealtimeHandler(stack.controller, errorHandler, logger),
		WebSocket:   httpAdapter.NewWebSocketHandler(hub, stack.tokens, cfg, logger),
		Tokens:      stack.tokens,
		RateLimiter: rateLimiter,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}
