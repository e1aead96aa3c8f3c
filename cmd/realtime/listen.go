package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/lorrc/studio-realtime/internal/core/refresh"
)

type listenOptions struct {
	role   string
	userID string
	shoots []string
}

func newListenCommand(a *app) *cobra.Command {
	opts := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log domain events and list refreshes for one viewer",
		Example: `  realtime listen --role admin
  realtime listen --role client --user-id 7
  realtime listen --role photographer --user-id 12 --shoot 55 --shoot 56`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listen(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.role, "role", "", "viewer role (default REALTIME_VIEWER_ROLE)")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "viewer id (default REALTIME_VIEWER_ID)")
	cmd.Flags().StringSliceVar(&opts.shoots, "shoot", nil, "also log detail refreshes for these shoot ids")

	return cmd
}

func (a *app) listen(ctx context.Context, opts *listenOptions) error {
	logger := a.logger

	viewer := a.configuredViewer()
	if opts.role != "" {
		viewer.Role = domain.ParseRole(opts.role)
	}
	if opts.userID != "" {
		viewer.UserID = domain.ParseID(opts.userID)
	}

	stack, err := newRealtimeStack(a.cfg, logger, a.debug, viewer)
	if err != nil {
		return err
	}
	defer stack.Close()

	stack.bus.Subscribe(ports.ListenerFunc(func(_ context.Context, event domain.DomainEvent) {
		logger.Info("domain event",
			"kind", event.Kind,
			"shoot_id", event.ShootID,
			"request_id", event.RequestID,
			"invoice_id", event.InvoiceID,
		)
	}))

	for _, registry := range stack.registries.Lists() {
		name := registry.Name()
		registry.Register(func(context.Context) error {
			logger.Info("list refresh", "list", name)
			return nil
		})
	}

	for _, raw := range opts.shoots {
		shootID := domain.ParseID(raw)
		if shootID.IsZero() {
			continue
		}
		stack.registries.ShootDetails.Register(shootID, refresh.Handler(func(context.Context) error {
			logger.Info("shoot detail refresh", "shoot_id", shootID)
			return nil
		}))
	}

	stack.start(ctx, logger, viewer)
	if !stack.controller.Active() {
		return nil
	}

	<-ctx.Done()
	logger.Info("listener stopping")
	return nil
}
