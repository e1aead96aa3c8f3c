package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorrc/studio-realtime/internal/auth"
	"github.com/lorrc/studio-realtime/internal/core/domain"
)

func newTokenCommand(a *app) *cobra.Command {
	var role, userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay token for a dashboard or kiosk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.JWT.Secret == "" {
				return fmt.Errorf("token: %w", errNoSecret)
			}
			tm := auth.NewTokenManager(a.cfg.JWT.Secret, a.cfg.JWT.AccessTokenTTL)

			token, err := tm.GenerateToken(domain.Viewer{
				Role:   domain.ParseRole(role),
				UserID: domain.ParseID(userID),
			})
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&role, "role", "admin", "role carried by the token")
	cmd.Flags().StringVar(&userID, "user-id", "", "viewer id carried by the token")

	return cmd
}
