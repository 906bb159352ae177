package ingest

import (
	"context"
	"log/slog"

	"github.com/devblac/tokenwatch/internal/metrics"
	"github.com/devblac/tokenwatch/internal/transfer"
)

// TransferStore inserts transfers idempotently.
type TransferStore interface {
	InsertTransfer(ctx context.Context, t transfer.Transfer) (inserted bool, err error)
}

// Notifier is told about rows that were actually inserted.
type Notifier interface {
	Notify(ctx context.Context, t transfer.Transfer) error
}

// Writer normalizes raw records and persists them keyed by
// (tx_hash, log_index).
type Writer struct {
	store    TransferStore
	notifier Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewWriter builds a writer. notifier and mtr may be nil.
func NewWriter(store TransferStore, notifier Notifier, log *slog.Logger, mtr *metrics.Metrics) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, notifier: notifier, log: log, metrics: mtr}
}

// Persist stores one record. A replayed key is a silent no-op
// (inserted=false). Malformed records return an error wrapping
// transfer.ErrMalformed.
func (w *Writer) Persist(ctx context.Context, raw transfer.RawTransfer) (bool, error) {
	t, err := transfer.Normalize(raw)
	if err != nil {
		return false, err
	}
	inserted, err := w.store.InsertTransfer(ctx, t)
	if err != nil {
		return false, err
	}
	w.metrics.TransferStored(inserted)
	if !inserted || w.notifier == nil {
		return inserted, nil
	}

	// the row is durable already; a failed notification must not fail the cycle
	if err := w.notifier.Notify(ctx, t); err != nil {
		w.metrics.NotifyFailed()
		w.log.Warn("notify failed", "tx", t.TxHash, "log_index", t.LogIndex, "error", err)
	}
	return inserted, nil
}
