// Package load writes normalized batches to a destination table.
package load

import (
	"context"
	"errors"
	"fmt"
	"time"

	etlio "dw-etl/internal/io"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
)

// ErrSchemaNotReady is returned by Append before EnsureSchema succeeded.
var ErrSchemaNotReady = errors.New("destination schema has not been ensured")

// Writer appends batches of one table to a Sink, one insert per batch.
type Writer struct {
	sink   etlio.Sink
	table  model.Table
	ready  bool
	loaded int64
}

// NewWriter returns a Writer for table.
func NewWriter(sink etlio.Sink, table model.Table) *Writer {
	return &Writer{sink: sink, table: table}
}

// EnsureSchema creates the destination table if needed; recreate drops it first.
func (w *Writer) EnsureSchema(ctx context.Context, recreate bool) error {
	if err := w.sink.EnsureSchema(ctx, w.table, recreate); err != nil {
		return fmt.Errorf("ensure schema for '%s': %w", w.table.Name, err)
	}
	w.ready = true
	logging.Logf(logging.Info, "Destination table '%s' is ready (recreate=%t)", w.table.Name, recreate)
	return nil
}

// Append inserts every record of b as a single insert. An empty batch is a no-op.
func (w *Writer) Append(ctx context.Context, b model.Batch) error {
	if !w.ready {
		return ErrSchemaNotReady
	}
	if b.Len() == 0 {
		return nil
	}
	start := time.Now()
	if err := w.sink.Append(ctx, w.table, b.Records); err != nil {
		return fmt.Errorf("insert batch at offset %d (%d rows) into '%s': %w", b.Offset, b.Len(), w.table.Name, err)
	}
	w.loaded += int64(b.Len())
	logging.Logw(logging.Debug, "Inserted batch", "table", w.table.Name, "offset", b.Offset, "rows", b.Len(), "elapsed", logging.Since(start))
	return nil
}

// Loaded returns the number of rows appended by this Writer.
func (w *Writer) Loaded() int64 { return w.loaded }

// Count returns the destination row count.
func (w *Writer) Count(ctx context.Context) (int64, error) {
	return w.CountWhere(ctx, "")
}

// CountWhere returns the destination row count restricted by where.
func (w *Writer) CountWhere(ctx context.Context, where string) (int64, error) {
	n, err := w.sink.Count(ctx, w.table.Name, where)
	if err != nil {
		return 0, fmt.Errorf("count rows in '%s': %w", w.table.Name, err)
	}
	return n, nil
}
