// Команда riskd: API решений, gRPC, консоль оператора, миграции и сид.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "riskd",
		Short:         "riskgate - transaction risk decisions with canary and A/B rollouts of scoring models",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./config.yaml or ./configs/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(simulateScorerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap общий старт для всех команд: конфиг и логгер.
func bootstrap() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
