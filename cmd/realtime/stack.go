package main

import (
	"context"
	"errors"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/lorrc/studio-realtime/internal/adapters/secondary/broadcast"
	"github.com/lorrc/studio-realtime/internal/adapters/secondary/natsbroker"
	"github.com/lorrc/studio-realtime/internal/auth"
	"github.com/lorrc/studio-realtime/internal/config"
	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/lorrc/studio-realtime/internal/core/refresh"
	"github.com/lorrc/studio-realtime/internal/core/services"
)

// realtimeStack is the wired core: one bus, one set of refresh registries,
// one broker connection and the controller that ties them together.
type realtimeStack struct {
	bus        *services.EventBus
	registries *refresh.Registries
	manager    *broadcast.Manager
	controller *services.ListenerController
	tokens     *auth.TokenManager
}

// newRealtimeStack wires the core. debug is the realtime debug surface: the
// translator, the registries and the controller's state traces log there.
func newRealtimeStack(cfg *config.Config, logger, debug *slog.Logger, viewer domain.Viewer) (*realtimeStack, error) {
	rules, err := config.LoadActivityRules(cfg.Realtime.ActivityRules)
	if err != nil {
		return nil, err
	}

	transport, err := broadcast.NewTransport(cfg.Realtime.Transport)
	if err != nil {
		return nil, err
	}

	var tokens *auth.TokenManager
	if cfg.JWT.Secret != "" {
		tokens = auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	}

	// Assigned below; the broker only asks for headers once a session starts.
	var controller *services.ListenerController
	current := func() domain.Viewer {
		if controller != nil {
			if v, ok := controller.Viewer(); ok {
				return v
			}
		}
		return viewer
	}

	opts := ports.ConnectionOptions{
		AppKey:         cfg.Realtime.AppKey,
		Cluster:        cfg.Realtime.Cluster,
		Host:           cfg.Realtime.Host,
		Port:           cfg.Realtime.Port,
		ForceTLS:       cfg.Realtime.ForceTLS(),
		AuthEndpoint:   cfg.Realtime.AuthURL(),
		HeaderProvider: headerProvider(cfg, tokens, current),
		Logger:         logger,
	}
	if transport.Name() == natsbroker.TransportName {
		opts.URL = cfg.Realtime.NATSURL
	}

	bus := services.NewEventBus(logger)
	registries := refresh.NewRegistries(clock.RealClock{}, cfg.Realtime.RefreshDelay, debug)
	bus.Subscribe(refresh.NewRouter(registries, debug))

	manager := broadcast.NewManager(broadcast.Config{
		Enabled:        cfg.Realtime.Enabled,
		Options:        opts,
		ReconnectDelay: cfg.Realtime.ReconnectDelay,
	}, transport, clock.RealClock{}, logger)

	controller = services.NewListenerController(
		manager,
		services.NewTranslator(rules, debug),
		bus,
		cfg.Realtime.EventName,
		logger,
		debug,
	)

	logger.Info("realtime stack ready",
		"enabled", manager.IsEnabled(),
		"transport", transport.Name(),
		"event", cfg.Realtime.EventName,
	)

	return &realtimeStack{
		bus:        bus,
		registries: registries,
		manager:    manager,
		controller: controller,
		tokens:     tokens,
	}, nil
}

// headerProvider prefers a static API token. Without one, a relay JWT is
// minted on every authorization request for the viewer current reports.
func headerProvider(cfg *config.Config, tokens *auth.TokenManager, current func() domain.Viewer) ports.HeaderProvider {
	if cfg.Realtime.AuthToken == "" && tokens != nil {
		return auth.TokenHeaderProvider(tokens, current)
	}
	return auth.StaticHeaderProvider(cfg.Realtime.AuthToken)
}

// start starts the controller for viewer. Failures are logged, not
// returned: the console keeps working on on-demand fetches.
func (s *realtimeStack) start(ctx context.Context, logger *slog.Logger, viewer domain.Viewer) {
	if err := s.controller.Start(ctx, viewer); err != nil {
		logger.Warn("realtime unavailable, falling back to on-demand fetching",
			"role", viewer.Role,
			"user_id", viewer.UserID,
			"error", err,
		)
		return
	}
	if !s.controller.Active() {
		logger.Info("realtime session not started",
			"role", viewer.Role,
			"user_id", viewer.UserID,
			"enabled", s.manager.IsEnabled(),
		)
		return
	}
	logger.Info("realtime session started",
		"session_id", s.controller.SessionID(),
		"channels", domain.ChannelNames(s.controller.Channels()),
	)
}

func (s *realtimeStack) Close() {
	s.controller.Stop()
	s.manager.Disconnect()
	s.registries.Stop()
}

var errNoSecret = errors.New("JWT_SECRET is required")
