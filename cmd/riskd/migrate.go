package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/xela07ax/riskgate/internal/repository/postgres"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version|redo|up-to|down-to] [version]",
		Short: "Apply database migrations",
		Long: `Run goose migrations embedded in the binary against database.url.

Examples:
  riskd migrate
  riskd migrate status
  riskd migrate down-to 0`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Database.URL == "" {
				return errors.New("database.url is required for migrate")
			}
			command := "up"
			if len(args) > 0 {
				command = args[0]
			}
			if err := postgres.Migrate(cmd.Context(), cfg.Database.URL, command, args[min(len(args), 1):]...); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("command", command))
			return nil
		},
	}
}
