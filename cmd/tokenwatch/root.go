package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/devblac/tokenwatch/internal/config"
	"github.com/devblac/tokenwatch/internal/logging"
	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "tokenwatch",
		Short: "Sync ERC20 transfers for one address from Etherscan into a deduplicated store",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Path to config file (optional when the default is absent)")

	rootCmd.AddCommand(
		versionCmd,
		validateCmd,
		runCmd,
		apiCmd,
		migrateCmd,
		stateCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute(ctx context.Context) error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func newLogger() *slog.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	return logging.NewWithLevel(logLevel)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, s config.Store) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Config{
		Driver:   s.Driver,
		Path:     s.Path,
		Host:     s.Host,
		Port:     s.Port,
		Database: s.Database,
		User:     s.User,
		Password: s.Password,
		SSLMode:  s.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage (%s): %w", strings.ToLower(s.Driver), err)
	}
	return store, nil
}
