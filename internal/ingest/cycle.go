package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devblac/tokenwatch/internal/metrics"
	"github.com/devblac/tokenwatch/internal/source/etherscan"
	"github.com/devblac/tokenwatch/internal/tracing"
	"github.com/devblac/tokenwatch/internal/transfer"
)

// ErrCursorStuck is returned when a page does not let the cursor move
// forward: its trailing block number is unparsable, or it is not past the
// requested lower bound.
var ErrCursorStuck = errors.New("cursor cannot advance")

// Fetcher returns one ascending page of transfers in [from, to].
type Fetcher interface {
	FetchPage(ctx context.Context, address string, from, to uint64) ([]transfer.RawTransfer, error)
}

// Persister stores one raw record idempotently.
type Persister interface {
	Persist(ctx context.Context, raw transfer.RawTransfer) (bool, error)
}

// Cursor resolves the next block to request.
type Cursor interface {
	Resolve(ctx context.Context) (uint64, error)
}

// Cycle drains the address history from the durable watermark to the chain
// head, one page at a time.
type Cycle struct {
	address      string
	fetcher      Fetcher
	cursor       Cursor
	writer       Persister
	clock        Clock
	requestDelay time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
}

type CycleConfig struct {
	Address      string
	RequestDelay time.Duration
}

func NewCycle(cfg CycleConfig, fetcher Fetcher, cursor Cursor, writer Persister, clock Clock, log *slog.Logger, mtr *metrics.Metrics) *Cycle {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cycle{
		address:      cfg.Address,
		fetcher:      fetcher,
		cursor:       cursor,
		writer:       writer,
		clock:        clock,
		requestDelay: cfg.RequestDelay,
		log:          log,
		metrics:      mtr,
		tracer:       tracing.Tracer("tokenwatch/ingest"),
	}
}

// Run performs one cycle and returns the number of records handed to the
// writer, replays included. On error the count covers what was persisted
// before the failure.
func (c *Cycle) Run(ctx context.Context) (processed int, err error) {
	ctx, span := c.tracer.Start(ctx, "cycle", trace.WithAttributes(attribute.String("address", c.address)))
	defer func() {
		span.SetAttributes(attribute.Int("processed", processed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cursor, err := c.cursor.Resolve(ctx)
	if err != nil {
		return 0, err
	}
	c.log.Debug("cycle start", "address", c.address, "from", cursor)

	for first := true; ; first = false {
		if !first {
			if err := c.clock.Sleep(ctx, c.requestDelay); err != nil {
				return processed, err
			}
		}

		if cursor > etherscan.MaxHeight {
			return processed, fmt.Errorf("%w: cursor %d is past the highest queryable block", ErrCursorStuck, cursor)
		}
		page, err := c.fetch(ctx, cursor)
		if err != nil {
			return processed, err
		}
		if len(page) == 0 {
			return processed, nil
		}

		for _, raw := range page {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			if _, err := c.writer.Persist(ctx, raw); err != nil {
				return processed, fmt.Errorf("persist %s/%s: %w", raw.Hash, raw.LogIndex, err)
			}
			processed++
		}

		last := page[len(page)-1].BlockNumber
		height, ok := transfer.ParseBlockNumber(last)
		if !ok {
			return processed, fmt.Errorf("%w: trailing block %q", ErrCursorStuck, last)
		}
		next := height + 1
		if next <= cursor {
			return processed, fmt.Errorf("%w: page from %d ended at block %d", ErrCursorStuck, cursor, height)
		}
		c.metrics.Watermark(height)
		c.log.Debug("page persisted", "from", cursor, "records", len(page), "next", next)
		cursor = next
	}
}

func (c *Cycle) fetch(ctx context.Context, from uint64) ([]transfer.RawTransfer, error) {
	ctx, span := c.tracer.Start(ctx, "fetch_page", trace.WithAttributes(attribute.Int64("from", int64(from))))
	defer span.End()

	page, err := c.fetcher.FetchPage(ctx, c.address, from, etherscan.MaxHeight)
	switch {
	case err != nil:
		c.metrics.UpstreamRequest("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetch page from %d: %w", from, err)
	case len(page) == 0:
		c.metrics.UpstreamRequest("empty")
	default:
		c.metrics.UpstreamRequest("data")
	}
	span.SetAttributes(attribute.Int("records", len(page)))
	return page, nil
}
