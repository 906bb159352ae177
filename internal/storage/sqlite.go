package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/devblac/tokenwatch/internal/transfer"
	_ "modernc.org/sqlite"
)

// SQLite keeps transfers in a local SQLite file. Amounts are TEXT; sums are
// computed in Go.
type SQLite struct {
	db     *sql.DB
	schema schemaGate
}

// OpenSQLite prepares a handle on path. The file is opened, tuned and
// migrated on first use.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) ready(ctx context.Context) error {
	return s.schema.ensure(ctx, s.applySchema)
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// Migrate creates the transfer table and its indexes.
func (s *SQLite) Migrate(ctx context.Context) error {
	if err := s.applySchema(ctx); err != nil {
		return err
	}
	s.schema.markReady()
	return nil
}

func (s *SQLite) applySchema(ctx context.Context) error {
	if err := configure(ctx, s.db); err != nil {
		return err
	}
	schema := `
CREATE TABLE IF NOT EXISTS erc20_transfers (
  block_number   INTEGER NOT NULL,
  tx_hash        TEXT NOT NULL,
  log_index      INTEGER NOT NULL,
  contract       TEXT NOT NULL,
  from_addr      TEXT NOT NULL,
  to_addr        TEXT NOT NULL,
  value_wei      TEXT NOT NULL,
  token_symbol   TEXT,
  token_decimals INTEGER NOT NULL DEFAULT 0,
  ts             INTEGER NOT NULL,
  PRIMARY KEY (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS erc20_transfers_block_idx ON erc20_transfers (block_number);
CREATE INDEX IF NOT EXISTS erc20_transfers_from_idx ON erc20_transfers (from_addr);
CREATE INDEX IF NOT EXISTS erc20_transfers_to_idx ON erc20_transfers (to_addr);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// MaxBlock returns the watermark.
func (s *SQLite) MaxBlock(ctx context.Context) (uint64, bool, error) {
	if err := s.ready(ctx); err != nil {
		return 0, false, err
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM erc20_transfers;`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("max block: %w", err)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

// InsertTransfer stores a transfer; the primary key makes replays no-ops.
func (s *SQLite) InsertTransfer(ctx context.Context, t transfer.Transfer) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO erc20_transfers
  (block_number, tx_hash, log_index, contract, from_addr, to_addr, value_wei, token_symbol, token_decimals, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tx_hash, log_index) DO NOTHING;
`, int64(t.BlockNumber), t.TxHash, int64(t.LogIndex), t.Contract, t.From, t.To,
		t.ValueString(), t.TokenSymbol, int64(t.TokenDecimals), t.Timestamp.Unix())
	if err != nil {
		return false, fmt.Errorf("insert transfer %s: %w", t.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert transfer %s: rows affected: %w", t.Key(), err)
	}
	return n > 0, nil
}

// TransfersByAddress returns the newest transfers sent or received by address.
func (s *SQLite) TransfersByAddress(ctx context.Context, address string, limit int) ([]transfer.Transfer, error) {
	limit, _ = clampPage(limit, 0)
	return s.query(ctx, `
SELECT `+selectColumns+`
FROM erc20_transfers
WHERE from_addr = ? OR to_addr = ?
ORDER BY block_number DESC, log_index DESC
LIMIT ?;
`, address, address, limit)
}

// ListTransfers pages through all transfers, newest first.
func (s *SQLite) ListTransfers(ctx context.Context, limit, offset int) ([]transfer.Transfer, error) {
	limit, offset = clampPage(limit, offset)
	return s.query(ctx, `
SELECT `+selectColumns+`
FROM erc20_transfers
ORDER BY block_number DESC, log_index DESC
LIMIT ? OFFSET ?;
`, limit, offset)
}

// CountTransfers returns the number of stored rows.
func (s *SQLite) CountTransfers(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM erc20_transfers;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}

// AddressTotals sums amounts sent from and received by address.
func (s *SQLite) AddressTotals(ctx context.Context, address string) (*big.Int, *big.Int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, nil, err
	}
	sent, err := s.sum(ctx, `SELECT value_wei FROM erc20_transfers WHERE from_addr = ?;`, address)
	if err != nil {
		return nil, nil, fmt.Errorf("sum sent: %w", err)
	}
	received, err := s.sum(ctx, `SELECT value_wei FROM erc20_transfers WHERE to_addr = ?;`, address)
	if err != nil {
		return nil, nil, fmt.Errorf("sum received: %w", err)
	}
	return sent, received, nil
}

func (s *SQLite) sum(ctx context.Context, q string, args ...any) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("stored value %q is not an integer", raw)
		}
		total.Add(total, v)
	}
	return total, rows.Err()
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]transfer.Transfer, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	out := []transfer.Transfer{}
	for rows.Next() {
		var ts int64
		t, err := scanTransfer(rows, &ts, func() time.Time { return time.Unix(ts, 0).UTC() })
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	return out, nil
}
