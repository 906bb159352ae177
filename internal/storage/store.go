package storage

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/devblac/tokenwatch/internal/transfer"
	"github.com/holiman/uint256"
)

const (
	// DefaultListLimit is used when a caller passes a non-positive limit.
	DefaultListLimit = 100
	// MaxListLimit caps a single page of ListTransfers.
	MaxListLimit = 500
)

// Store is the durable transfer table shared by the ingestion loop and the
// query API.
type Store interface {
	// MaxBlock returns the highest persisted block; ok is false when the
	// table holds no rows.
	MaxBlock(ctx context.Context) (height uint64, ok bool, err error)
	// InsertTransfer writes t unless (tx_hash, log_index) already exists.
	// inserted reports whether a new row was created.
	InsertTransfer(ctx context.Context, t transfer.Transfer) (inserted bool, err error)

	TransfersByAddress(ctx context.Context, address string, limit int) ([]transfer.Transfer, error)
	ListTransfers(ctx context.Context, limit, offset int) ([]transfer.Transfer, error)
	CountTransfers(ctx context.Context) (int64, error)
	AddressTotals(ctx context.Context, address string) (sent, received *big.Int, err error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Open prepares the configured backend. No connection is made until the
// first call; the schema is applied then.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres", "":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// schemaGate applies the schema once, on first use. A failed attempt is
// retried by the next caller.
type schemaGate struct {
	mu    sync.Mutex
	ready bool
}

func (g *schemaGate) ensure(ctx context.Context, apply func(context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return nil
	}
	if err := apply(ctx); err != nil {
		return err
	}
	g.ready = true
	return nil
}

func (g *schemaGate) markReady() {
	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
}

const selectColumns = `block_number, tx_hash, log_index, contract, from_addr, to_addr, value_wei, token_symbol, token_decimals, ts`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTransfer reads one row in selectColumns order. Backends differ only in
// how the timestamp column comes back, so the caller supplies that target.
func scanTransfer(row rowScanner, ts any, toTime func() time.Time) (transfer.Transfer, error) {
	var (
		t        transfer.Transfer
		block    int64
		logIndex int64
		value    string
		symbol   *string
		decimals int64
	)
	if err := row.Scan(&block, &t.TxHash, &logIndex, &t.Contract, &t.From, &t.To, &value, &symbol, &decimals, ts); err != nil {
		return transfer.Transfer{}, fmt.Errorf("scan transfer: %w", err)
	}
	v, err := uint256.FromDecimal(value)
	if err != nil {
		return transfer.Transfer{}, fmt.Errorf("scan transfer %s: value %q: %w", t.TxHash, value, err)
	}
	t.BlockNumber = uint64(block)
	t.LogIndex = uint64(logIndex)
	t.Value = v
	t.TokenSymbol = symbol
	t.TokenDecimals = uint8(decimals)
	t.Timestamp = toTime()
	return t, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
