package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/devblac/tokenwatch/internal/transfer"
)

func seedStore(t *testing.T, n int) *storage.SQLite {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sym := "TKN"
	for i := 1; i <= n; i++ {
		to := "0x00000000000000000000000000000000000000bb"
		if i%2 == 0 {
			to = "0x00000000000000000000000000000000000000cc"
		}
		_, err := store.InsertTransfer(context.Background(), transfer.Transfer{
			BlockNumber:   uint64(i),
			TxHash:        fmt.Sprintf("0x%064x", i),
			Contract:      "0x00000000000000000000000000000000000000ee",
			From:          "0x00000000000000000000000000000000000000aa",
			To:            to,
			Value:         uint256.NewInt(uint64(i) * 10),
			TokenSymbol:   &sym,
			TokenDecimals: 18,
			Timestamp:     time.Unix(1700000000, 0).UTC(),
		})
		require.NoError(t, err)
	}
	return store
}

func TestCollectPagesThroughEverything(t *testing.T) {
	store := seedStore(t, storage.MaxListLimit+7)

	all, err := collect(context.Background(), store, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, storage.MaxListLimit+7)
	assert.Equal(t, uint64(storage.MaxListLimit+7), all[0].BlockNumber)

	capped, err := collect(context.Background(), store, "", 10)
	require.NoError(t, err)
	assert.Len(t, capped, 10)
}

func TestCollectByAddress(t *testing.T) {
	store := seedStore(t, 6)
	rows, err := collect(context.Background(), store, "0x00000000000000000000000000000000000000CC", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = collect(context.Background(), store, "not-an-address", 0)
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	store := seedStore(t, 2)
	rows, err := collect(context.Background(), store, "", 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeCSV(&buf, rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "2", records[1][0])
	assert.Equal(t, "20", records[1][6])
	assert.Equal(t, "TKN", records[1][7])
	assert.Equal(t, "2023-11-14T22:13:20Z", records[1][9])
}
