package io

import (
	"context"

	"dw-etl/internal/model"
)

// Page identifies one window of an ordered extraction query.
type Page struct {
	// Query is the extraction SELECT without ORDER BY or paging clauses.
	Query string
	// OrderBy lists the columns that give the query a total order.
	OrderBy []string
	Offset  int64
	Limit   int64
}

// Source reads rows from the operational database.
type Source interface {
	// Count runs a query returning a single integer and returns it.
	Count(ctx context.Context, countQuery string) (int64, error)
	// ReadPage returns the rows of p.Query at [p.Offset, p.Offset+p.Limit) in p.OrderBy order.
	ReadPage(ctx context.Context, p Page) ([]model.Record, error)
	// Close releases the connection. Implementations are idempotent.
	Close() error
}

// Sink writes rows to the analytical store or an export file.
type Sink interface {
	// EnsureSchema creates the destination table if it does not exist.
	// With recreate set an existing table is dropped first.
	EnsureSchema(ctx context.Context, table model.Table, recreate bool) error
	// Append writes rows as a single insert. Either all rows are written or none.
	Append(ctx context.Context, table model.Table, rows []model.Record) error
	// Count returns the number of rows in table, restricted by the optional where clause.
	Count(ctx context.Context, table string, where string) (int64, error)
	// Close releases the connection or flushes the file. Implementations are idempotent.
	Close() error
}
