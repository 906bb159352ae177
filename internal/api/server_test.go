package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/tokenwatch/internal/storage"
	"github.com/devblac/tokenwatch/internal/transfer"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
	carol = "0x00000000000000000000000000000000000000cc"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	b, ok := c.data[key]
	return b, ok
}

func (c *memCache) Set(_ context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, store *storage.SQLite, block, logIndex uint64, from, to, value string) {
	t.Helper()
	v, err := uint256.FromDecimal(value)
	require.NoError(t, err)
	_, err = store.InsertTransfer(context.Background(), transfer.Transfer{
		BlockNumber:   block,
		TxHash:        fmt.Sprintf("0x%064x", block),
		LogIndex:      logIndex,
		Contract:      "0x00000000000000000000000000000000000000ee",
		From:          from,
		To:            to,
		Value:         v,
		TokenDecimals: 18,
		Timestamp:     time.Unix(1700000000+int64(block), 0).UTC(),
	})
	require.NoError(t, err)
}

func seeded(t *testing.T) *storage.SQLite {
	store := newTestStore(t)
	put(t, store, 10, 0, alice, bob, "1000000000000000000")
	put(t, store, 11, 0, bob, alice, "250")
	put(t, store, 12, 0, alice, carol, "115792089237316195423570985008687907853269984665640564039457584007913129639935")
	put(t, store, 12, 1, bob, carol, "7")
	return store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decodeRows(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rows))
	return rows
}

func TestHealth(t *testing.T) {
	h := New(newTestStore(t), nil, nil, nil).Handler()
	w := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestEventsByAddress(t *testing.T) {
	h := New(seeded(t), nil, nil, nil).Handler()

	w := get(t, h, "/events?address="+"0x00000000000000000000000000000000000000AA")
	require.Equal(t, http.StatusOK, w.Code)
	rows := decodeRows(t, w)
	require.Len(t, rows, 3)
	// newest first
	assert.Equal(t, float64(12), rows[0]["block_number"])
	assert.Equal(t, float64(10), rows[2]["block_number"])
	assert.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935", rows[0]["value_wei"])

	w = get(t, h, "/events?address="+alice+"&limit=1")
	assert.Len(t, decodeRows(t, w), 1)
}

func TestEventsValidation(t *testing.T) {
	h := New(seeded(t), nil, nil, nil).Handler()
	for _, target := range []string{
		"/events",
		"/events?address=0x123",
		"/events?address=" + alice + "&limit=ten",
		"/events/all?offset=x",
		"/stats/address/nothex",
	} {
		w := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
	w := get(t, h, "/events")
	assert.JSONEq(t, `{"error":"address required"}`, w.Body.String())
}

func TestEventsAllPaginates(t *testing.T) {
	h := New(seeded(t), nil, nil, nil).Handler()

	rows := decodeRows(t, get(t, h, "/events/all"))
	require.Len(t, rows, 4)
	assert.Equal(t, float64(1), rows[0]["log_index"])

	rows = decodeRows(t, get(t, h, "/events/all?limit=2&offset=2"))
	require.Len(t, rows, 2)
	assert.Equal(t, float64(11), rows[0]["block_number"])

	rows = decodeRows(t, get(t, h, "/events/all?offset=-5&limit=100000"))
	assert.Len(t, rows, 4)
}

func TestEventsEmptyIsArray(t *testing.T) {
	h := New(newTestStore(t), nil, nil, nil).Handler()
	w := get(t, h, "/events/all")
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestCount(t *testing.T) {
	h := New(seeded(t), nil, nil, nil).Handler()
	w := get(t, h, "/events/count")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":4}`, w.Body.String())
}

func TestStatsSumsExactly(t *testing.T) {
	h := New(seeded(t), nil, nil, nil).Handler()
	w := get(t, h, "/stats/address/"+alice)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	max, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	wantSent := new(big.Int).Add(max, big.NewInt(1000000000000000000))
	assert.Equal(t, alice, resp.Address)
	assert.Equal(t, wantSent.String(), resp.TotalSentWei)
	assert.Equal(t, "250", resp.TotalReceivedWei)

	w = get(t, h, "/stats/address/0x00000000000000000000000000000000000000dd")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "0", resp.TotalSentWei)
	assert.Equal(t, "0", resp.TotalReceivedWei)
}

func TestAggregatesAreCached(t *testing.T) {
	store := seeded(t)
	cache := newMemCache()
	h := New(store, cache, nil, nil).Handler()

	first := get(t, h, "/events/count")
	assert.Empty(t, first.Header().Get("X-Cache"))

	put(t, store, 13, 0, alice, bob, "1")
	second := get(t, h, "/events/count")
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"count":4}`, second.Body.String())

	get(t, h, "/stats/address/"+alice)
	_, ok := cache.data["stats:"+alice]
	assert.True(t, ok)
}

func TestNewRedisCacheDisabledWithoutAddr(t *testing.T) {
	c, err := NewRedisCache(context.Background(), "", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, c.Close())
}

func TestUnknownMethodRejected(t *testing.T) {
	h := New(newTestStore(t), nil, nil, nil).Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/events/count", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeLogsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	out := &lockedBuffer{}
	srv := Serve(ln.Addr().String(), http.NotFoundHandler(), slog.New(slog.NewJSONHandler(out, nil)))
	defer srv.Close()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "api server error")
	}, 2*time.Second, 10*time.Millisecond)
}
