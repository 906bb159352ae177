package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/devblac/tokenwatch/internal/transfer"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres writes to erc20_transfers through a pgx pool.
// ON CONFLICT (tx_hash, log_index) DO NOTHING makes replays idempotent.
type Postgres struct {
	pool   *pgxpool.Pool
	schema schemaGate
}

// ConnString renders the connection parameters as a postgres:// URL.
func (c Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// OpenPostgres builds a pool without dialing. Connection and schema errors
// surface from the first query instead.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) ready(ctx context.Context) error {
	return p.schema.ensure(ctx, p.applySchema)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return errors.New("store not initialized")
	}
	return p.pool.Ping(ctx)
}

// Migrate creates the transfer table and its indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.applySchema(ctx); err != nil {
		return err
	}
	p.schema.markReady()
	return nil
}

func (p *Postgres) applySchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS erc20_transfers (
			block_number   BIGINT NOT NULL,
			tx_hash        TEXT NOT NULL,
			log_index      BIGINT NOT NULL,
			contract       TEXT NOT NULL,
			from_addr      TEXT NOT NULL,
			to_addr        TEXT NOT NULL,
			value_wei      NUMERIC(78,0) NOT NULL,
			token_symbol   TEXT,
			token_decimals SMALLINT NOT NULL DEFAULT 0,
			ts             TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS erc20_transfers_block_idx ON erc20_transfers (block_number);
		CREATE INDEX IF NOT EXISTS erc20_transfers_from_idx ON erc20_transfers (from_addr);
		CREATE INDEX IF NOT EXISTS erc20_transfers_to_idx ON erc20_transfers (to_addr);
	`)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// MaxBlock returns the watermark.
func (p *Postgres) MaxBlock(ctx context.Context) (uint64, bool, error) {
	if err := p.ready(ctx); err != nil {
		return 0, false, err
	}
	var max pgtype.Int8
	if err := p.pool.QueryRow(ctx, `SELECT MAX(block_number) FROM erc20_transfers`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("max block: %w", err)
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

// InsertTransfer stores a transfer unless its key already exists.
func (p *Postgres) InsertTransfer(ctx context.Context, t transfer.Transfer) (bool, error) {
	if err := p.ready(ctx); err != nil {
		return false, err
	}
	value := pgtype.Numeric{Int: new(big.Int), Valid: true}
	if t.Value != nil {
		value.Int = t.Value.ToBig()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO erc20_transfers
		   (block_number, tx_hash, log_index, contract, from_addr, to_addr, value_wei, token_symbol, token_decimals, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		int64(t.BlockNumber), t.TxHash, int64(t.LogIndex), t.Contract, t.From, t.To,
		value, t.TokenSymbol, int16(t.TokenDecimals), t.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert transfer %s: %w", t.Key(), err)
	}
	return tag.RowsAffected() > 0, nil
}

const pgSelect = `SELECT block_number, tx_hash, log_index, contract, from_addr, to_addr, value_wei::text, token_symbol, token_decimals, ts FROM erc20_transfers`

// TransfersByAddress returns the newest transfers sent or received by address.
func (p *Postgres) TransfersByAddress(ctx context.Context, address string, limit int) ([]transfer.Transfer, error) {
	limit, _ = clampPage(limit, 0)
	return p.query(ctx, pgSelect+`
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2`, address, limit)
}

// ListTransfers pages through all transfers, newest first.
func (p *Postgres) ListTransfers(ctx context.Context, limit, offset int) ([]transfer.Transfer, error) {
	limit, offset = clampPage(limit, offset)
	return p.query(ctx, pgSelect+`
		ORDER BY block_number DESC, log_index DESC
		LIMIT $1 OFFSET $2`, limit, offset)
}

// CountTransfers returns the number of stored rows.
func (p *Postgres) CountTransfers(ctx context.Context) (int64, error) {
	if err := p.ready(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*)::bigint FROM erc20_transfers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}

// AddressTotals sums amounts sent from and received by address.
func (p *Postgres) AddressTotals(ctx context.Context, address string) (*big.Int, *big.Int, error) {
	if err := p.ready(ctx); err != nil {
		return nil, nil, err
	}
	var sentRaw, recvRaw string
	err := p.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(value_wei) FROM erc20_transfers WHERE from_addr = $1), 0)::text,
			COALESCE((SELECT SUM(value_wei) FROM erc20_transfers WHERE to_addr = $1), 0)::text`,
		address).Scan(&sentRaw, &recvRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("address totals: %w", err)
	}
	sent, ok := new(big.Int).SetString(sentRaw, 10)
	if !ok {
		return nil, nil, fmt.Errorf("address totals: sent %q is not an integer", sentRaw)
	}
	received, ok := new(big.Int).SetString(recvRaw, 10)
	if !ok {
		return nil, nil, fmt.Errorf("address totals: received %q is not an integer", recvRaw)
	}
	return sent, received, nil
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]transfer.Transfer, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	out := []transfer.Transfer{}
	for rows.Next() {
		var ts time.Time
		t, err := scanTransfer(rows, &ts, func() time.Time { return ts.UTC() })
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
