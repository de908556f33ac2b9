// Package extract pages through an ordered source query in fixed-size windows.
package extract

import (
	"context"
	"errors"
	"fmt"

	etlio "dw-etl/internal/io"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
)

var (
	// ErrNoOrderKey is returned when a query has no ordering key. Offset
	// pagination over an unordered query may skip or repeat rows.
	ErrNoOrderKey = errors.New("extraction query has no ordering key")
	// ErrExtraction marks failures of the count or page queries.
	ErrExtraction = errors.New("extraction failed")
)

// Query describes what a Reader pages through.
type Query struct {
	// Select is the extraction statement without ORDER BY or paging clauses.
	Select string
	// Count returns the number of rows Select yields. Empty derives one from Select.
	Count string
	// OrderBy is the natural key giving Select a total order.
	OrderBy []string
}

// Reader yields the rows of a Query in batches of at most pageSize rows.
// The row count is taken once on the first call to Next; the sequence ends when
// the offset reaches it. A Reader is not restartable and not safe for concurrent use.
//
//	r, err := extract.NewReader(src, q, 10000)
//	for r.Next(ctx) {
//	    b := r.Batch()
//	    ...
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	src      etlio.Source
	query    Query
	pageSize int64

	counted bool
	total   int64
	offset  int64
	batch   model.Batch
	err     error
	done    bool
}

// NewReader validates q and pageSize and returns a Reader positioned before the first batch.
func NewReader(src etlio.Source, q Query, pageSize int64) (*Reader, error) {
	if src == nil {
		return nil, errors.New("extract: nil source")
	}
	if len(q.OrderBy) == 0 {
		return nil, ErrNoOrderKey
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("extract: page size must be at least 1, got %d", pageSize)
	}
	if q.Count == "" {
		q.Count = etlio.CountSQL(q.Select)
	}
	return &Reader{src: src, query: q, pageSize: pageSize}, nil
}

// Next reads the next batch. It returns false when the rows are exhausted or
// a query failed; Err distinguishes the two.
func (r *Reader) Next(ctx context.Context) bool {
	if r.done {
		return false
	}
	if !r.counted {
		n, err := r.src.Count(ctx, r.query.Count)
		if err != nil {
			r.fail(fmt.Errorf("%w: count rows: %w", ErrExtraction, err))
			return false
		}
		r.total = n
		r.counted = true
		logging.Logw(logging.Info, "Source row count", "total", n, "page_size", r.pageSize)
	}
	if r.offset >= r.total {
		r.done = true
		r.batch = model.Batch{}
		return false
	}

	page := etlio.Page{Query: r.query.Select, OrderBy: r.query.OrderBy, Offset: r.offset, Limit: r.pageSize}
	records, err := r.src.ReadPage(ctx, page)
	if err != nil {
		r.fail(fmt.Errorf("%w at offset %d: %w", ErrExtraction, r.offset, err))
		return false
	}
	r.batch = model.Batch{Offset: r.offset, Records: records}
	r.offset += r.pageSize
	logging.Logw(logging.Debug, "Read batch", "offset", r.batch.Offset, "rows", len(records))
	return true
}

func (r *Reader) fail(err error) {
	r.err = err
	r.done = true
	r.batch = model.Batch{}
	logging.Logw(logging.Error, "Extraction stopped", "stage", "extract", "offset", r.offset, "error", err.Error())
}

// Batch returns the batch read by the last successful Next.
// It may be empty when the source shrank after counting.
func (r *Reader) Batch() model.Batch { return r.batch }

// Err returns the failure that ended the sequence, if any.
func (r *Reader) Err() error { return r.err }

// Total returns the row count taken on the first Next.
func (r *Reader) Total() int64 { return r.total }

// Offset returns the offset the next page will be read from.
func (r *Reader) Offset() int64 { return r.offset }

// Batches returns the number of batches a total of n rows yields at this page size.
func (r *Reader) Batches(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + r.pageSize - 1) / r.pageSize
}
