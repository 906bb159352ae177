package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/devblac/tokenwatch/internal/transfer"
	"github.com/spf13/cobra"
)

var (
	flagExportAddress string
	flagExportFormat  string
	flagExportLimit   int
)

func init() {
	exportCmd.Flags().StringVar(&flagExportAddress, "address", "", "Only transfers sent or received by this address")
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json|csv")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 0, "Maximum rows (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored transfers as json or csv, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(flagExportFormat)
		if format != "json" && format != "csv" {
			return fmt.Errorf("unsupported format %q (json|csv)", flagExportFormat)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := collect(cmd.Context(), store, flagExportAddress, flagExportLimit)
		if err != nil {
			return err
		}
		if format == "csv" {
			return writeCSV(cmd.OutOrStdout(), rows)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

func collect(ctx context.Context, store storage.Store, address string, limit int) ([]transfer.Transfer, error) {
	if address != "" {
		addr, err := transfer.NormalizeAddress(address)
		if err != nil {
			return nil, err
		}
		if limit <= 0 || limit > storage.MaxListLimit {
			limit = storage.MaxListLimit
		}
		return store.TransfersByAddress(ctx, addr, limit)
	}

	out := []transfer.Transfer{}
	for offset := 0; ; offset += storage.MaxListLimit {
		page, err := store.ListTransfers(ctx, storage.MaxListLimit, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if len(page) < storage.MaxListLimit {
			return out, nil
		}
	}
}

var csvHeader = []string{
	"block_number", "tx_hash", "log_index", "contract", "from_addr", "to_addr",
	"value_wei", "token_symbol", "token_decimals", "ts",
}

func writeCSV(w io.Writer, rows []transfer.Transfer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range rows {
		symbol := ""
		if t.TokenSymbol != nil {
			symbol = *t.TokenSymbol
		}
		record := []string{
			strconv.FormatUint(t.BlockNumber, 10),
			t.TxHash,
			strconv.FormatUint(t.LogIndex, 10),
			t.Contract,
			t.From,
			t.To,
			t.ValueString(),
			symbol,
			strconv.Itoa(int(t.TokenDecimals)),
			t.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
