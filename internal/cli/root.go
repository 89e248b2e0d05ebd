// Package cli - командная строка tta: локальная игра, миграции, сервер и выпуск токенов.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tta-server/internal/config"
	sharedLogger "tta-server/shared/logger"
)

// Execute runs the tta command tree.
func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	store  string
	sqlite string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "tta",
		Short:         "Therapeutic text adventure: play locally or run the session server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.store, "store", "", "store backend override: postgres | sqlite")
	rootCmd.PersistentFlags().StringVar(&opts.sqlite, "db", "", "SQLite file override")

	rootCmd.AddCommand(
		newPlayCmd(opts),
		newMigrateCmd(opts),
		newServeCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}

// load читает конфигурацию из окружения и накладывает флаги.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.store != "" {
		cfg.Store.Backend = o.store
	}
	if o.sqlite != "" {
		cfg.SQLite.Path = o.sqlite
	}
	return cfg, cfg.Validate()
}

// cliLogger пишет в stderr, чтобы не мешать повествованию в stdout.
func cliLogger(cfg config.Config) (*zap.Logger, error) {
	lc := cfg.Logger
	if lc.OutputPath == "" {
		lc.OutputPath = "stderr"
	}
	return sharedLogger.New(lc)
}
