package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/devblac/tokenwatch/internal/transfer"
)

const watched = "0x00000000000000000000000000000000000000aa"

// fakeClock records sleeps and cancels the run after a fixed number of them.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func newFakeClock(stopAfter int, cancel context.CancelFunc) *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC(), stopAfter: stopAfter, cancel: cancel}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	c.mu.Unlock()
	if c.stopAfter > 0 && n >= c.stopAfter && c.cancel != nil {
		c.cancel()
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fetchCall struct {
	address  string
	from, to uint64
}

type fetchResult struct {
	page []transfer.RawTransfer
	err  error
}

// scriptedFetcher replays results in order and reports an empty page once
// the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   []fetchCall
}

func (f *scriptedFetcher) FetchPage(_ context.Context, address string, from, to uint64) ([]transfer.RawTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{address: address, from: from, to: to})
	if len(f.results) == 0 {
		return nil, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.page, r.err
}

func (f *scriptedFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *scriptedFetcher) froms() []uint64 {
	var out []uint64
	for _, c := range f.Calls() {
		out = append(out, c.from)
	}
	return out
}

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func raw(block, logIndex uint64) transfer.RawTransfer {
	return transfer.RawTransfer{
		BlockNumber:     fmt.Sprint(block),
		TimeStamp:       fmt.Sprint(1700000000 + block),
		Hash:            fmt.Sprintf("0x%064x", block),
		LogIndex:        fmt.Sprint(logIndex),
		ContractAddress: "0x00000000000000000000000000000000000000cc",
		From:            watched,
		To:              "0x00000000000000000000000000000000000000bb",
		Value:           "1000000000000000000",
		TokenSymbol:     "TKN",
		TokenDecimal:    "18",
	}
}

// seed persists rows directly so a test can start from a known watermark.
func seed(t *testing.T, store *storage.SQLite, blocks ...uint64) {
	t.Helper()
	w := NewWriter(store, nil, nil, nil)
	for _, b := range blocks {
		_, err := w.Persist(context.Background(), raw(b, 0))
		require.NoError(t, err)
	}
}

func rowCount(t *testing.T, store *storage.SQLite) int64 {
	t.Helper()
	n, err := store.CountTransfers(context.Background())
	require.NoError(t, err)
	return n
}
