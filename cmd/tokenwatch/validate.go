package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/tokenwatch/internal/config"
	"github.com/devblac/tokenwatch/internal/source/etherscan"
	"github.com/spf13/cobra"
)

const defaultPingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, storage and the Etherscan key",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (chain %s, store %s)\n", cfg.Etherscan.ChainID, cfg.Store.Driver)

		failures := 0

		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			failures++
			fmt.Fprintf(out, "- store: ERROR %v\n", err)
		} else {
			fmt.Fprintln(out, "- store: OK")
			store.Close()
		}

		if !cfg.Watch.Ready() {
			fmt.Fprintln(out, "- etherscan: SKIPPED (placeholder api key or address; run will wait)")
		} else {
			head, err := pingEtherscan(ctx, cfg)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- etherscan: ERROR %v\n", err)
			} else {
				fmt.Fprintf(out, "- etherscan: head %d OK\n", head)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingEtherscan(ctx context.Context, cfg config.Config) (uint64, error) {
	client, err := etherscan.NewClient(etherscan.Config{
		BaseURL: cfg.Etherscan.BaseURL,
		ChainID: cfg.Etherscan.ChainID,
		APIKey:  cfg.Watch.APIKey,
		Timeout: defaultPingTimeout,
	})
	if err != nil {
		return 0, err
	}
	return client.Ping(ctx)
}
