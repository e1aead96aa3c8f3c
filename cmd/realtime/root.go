package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorrc/studio-realtime/internal/config"
	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	debug  *slog.Logger

	logLevel  string
	logFormat string
	rulesFile string
}

func newRootCommand(version string) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "realtime",
		Short:   "Realtime event layer for the studio operations console",
		Version: version,
		Long: `realtime keeps one connection to the studio broadcast broker, turns the
activity notifications it receives into domain events and fans them out to
local listeners and debounced list refreshes.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(version)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: json, text (overrides LOG_FORMAT)")
	root.PersistentFlags().StringVar(&a.rulesFile, "rules", "", "activity rules YAML file (overrides REALTIME_ACTIVITY_RULES)")

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newListenCommand(a))
	root.AddCommand(newTokenCommand(a))

	return root
}

// setup loads configuration and builds the logger.
func (a *app) setup(version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.rulesFile != "" {
		cfg.Realtime.ActivityRules = a.rulesFile
	}
	cfg.App.Version = version

	logCfg := logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	}

	a.cfg = cfg
	a.logger = logging.NewLogger(logCfg)
	a.debug = logging.Debug(logCfg, cfg.DebugEnabled())
	slog.SetDefault(a.logger)

	a.logger.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// configuredViewer is the identity from REALTIME_VIEWER_ROLE and
// REALTIME_VIEWER_ID.
func (a *app) configuredViewer() domain.Viewer {
	return domain.Viewer{
		Role:   domain.ParseRole(a.cfg.Viewer.Role),
		UserID: domain.ParseID(a.cfg.Viewer.UserID),
	}
}
