package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPostgresStore connects to the database named by TOKENWATCH_TEST_PG_HOST
// and friends. The table is dropped before and after the test.
func newPostgresStore(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	host := os.Getenv("TOKENWATCH_TEST_PG_HOST")
	if host == "" {
		t.Skip("TOKENWATCH_TEST_PG_HOST not set")
	}
	cfg := Config{
		Driver:   "postgres",
		Host:     host,
		Port:     5432,
		Database: envOr("TOKENWATCH_TEST_PG_DB", "postgres"),
		User:     envOr("TOKENWATCH_TEST_PG_USER", "postgres"),
		Password: os.Getenv("TOKENWATCH_TEST_PG_PASSWORD"),
		SSLMode:  envOr("TOKENWATCH_TEST_PG_SSLMODE", "disable"),
	}
	if raw := os.Getenv("TOKENWATCH_TEST_PG_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		require.NoError(t, err)
		cfg.Port = port
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := OpenPostgres(ctx, cfg)
	require.NoError(t, err)
	drop := func() {
		_, _ = store.pool.Exec(context.Background(), `DROP TABLE IF EXISTS erc20_transfers`)
	}
	require.NoError(t, store.Ping(ctx))
	drop()
	t.Cleanup(func() {
		drop()
		_ = store.Close()
	})
	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgresIdempotentWritesAndWatermark(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	_, ok, err := store.MaxBlock(ctx)
	require.NoError(t, err, "schema is applied on first use")
	assert.False(t, ok)

	tr := sampleTransfer(18_000_000, 2, alice, bob, 10)
	inserted, err := store.InsertTransfer(ctx, tr)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertTransfer(ctx, tr)
	require.NoError(t, err)
	assert.False(t, inserted, "replay must be a no-op")

	_, err = store.InsertTransfer(ctx, sampleTransfer(17_999_999, 0, bob, alice, 3))
	require.NoError(t, err)

	h, ok, err := store.MaxBlock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(18_000_000), h)

	n, err := store.CountTransfers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := store.TransfersByAddress(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(18_000_000), got[0].BlockNumber)
	assert.Equal(t, tr.Timestamp.Unix(), got[0].Timestamp.Unix())
	require.NotNil(t, got[0].TokenSymbol)
	assert.Equal(t, "TKN", *got[0].TokenSymbol)
}

func TestPostgresNumericSumsExceedUint256(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	v, err := uint256.FromDecimal(maxUint256)
	require.NoError(t, err)
	for i := uint64(0); i < 2; i++ {
		tr := sampleTransfer(100+i, 0, alice, bob, 0)
		tr.Value = v
		_, err := store.InsertTransfer(ctx, tr)
		require.NoError(t, err)
	}

	sent, received, err := store.AddressTotals(ctx, alice)
	require.NoError(t, err)
	want := v.ToBig()
	want.Add(want, v.ToBig())
	assert.Zero(t, sent.Cmp(want), "sent = %s want %s", sent, want)
	assert.Zero(t, received.Sign())

	page, err := store.ListTransfers(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, maxUint256, page[0].ValueString())
}
