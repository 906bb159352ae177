package main

import (
	"fmt"

	"github.com/devblac/tokenwatch/internal/ingest"
	"github.com/devblac/tokenwatch/internal/source/etherscan"
	"github.com/spf13/cobra"
)

var flagStateHead bool

func init() {
	stateCmd.Flags().BoolVar(&flagStateHead, "head", false, "Also query the chain head and report lag")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the sync watermark, row count and lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		watermark, ok, err := store.MaxBlock(ctx)
		if err != nil {
			return err
		}
		next, err := ingest.NewResolver(store).Resolve(ctx)
		if err != nil {
			return err
		}
		count, err := store.CountTransfers(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "address:   %s\n", cfg.Watch.Address)
		if ok {
			fmt.Fprintf(out, "watermark: %d\n", watermark)
		} else {
			fmt.Fprintln(out, "watermark: none (empty store)")
		}
		fmt.Fprintf(out, "next from: %d\n", next)
		fmt.Fprintf(out, "rows:      %d\n", count)

		if !flagStateHead {
			return nil
		}
		if !cfg.Watch.Ready() {
			fmt.Fprintln(out, "head:      skipped (placeholder api key or address)")
			return nil
		}
		client, err := etherscan.NewClient(etherscan.Config{
			BaseURL: cfg.Etherscan.BaseURL,
			ChainID: cfg.Etherscan.ChainID,
			APIKey:  cfg.Watch.APIKey,
			Timeout: cfg.Etherscan.Timeout,
		})
		if err != nil {
			return err
		}
		head, err := client.Ping(ctx)
		if err != nil {
			return fmt.Errorf("query head: %w", err)
		}
		fmt.Fprintf(out, "head:      %d\n", head)
		if ok && head > watermark {
			fmt.Fprintf(out, "lag:       %d blocks since last stored transfer\n", head-watermark)
		}
		return nil
	},
}
