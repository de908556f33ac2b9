package io

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
	"dw-etl/internal/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgxPoolNewFunc allows overriding pgxpool.New for testing.
var pgxPoolNewFunc = pgxpool.New

// PostgresDSN builds a postgres:// connection string from cfg unless cfg.DSN is set.
func PostgresDSN(cfg config.ConnectionConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	q := url.Values{}
	if cfg.DialTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.DialTimeout/time.Second)))
	}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	host := cfg.Host
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u := &url.URL{Scheme: "postgres", Host: host, Path: "/" + cfg.Database, RawQuery: q.Encode()}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

func openPool(ctx context.Context, cfg config.ConnectionConfig) (*pgxpool.Pool, error) {
	connStr := PostgresDSN(cfg)
	masked := util.MaskCredentials(connStr)
	pool, err := pgxPoolNewFunc(ctx, connStr)
	if err != nil {
		logging.Logf(logging.Error, "Postgres: failed to create connection pool: %s", masked)
		return nil, fmt.Errorf("postgres: create pool (using %s): %w", masked, err)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping (using %s): %w", masked, err)
	}
	return pool, nil
}

// describePgError adds server-side detail to pgx errors for logging.
func describePgError(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Sprintf("PG Error Code: %s, Message: %s, Detail: %s", pgErr.Code, pgErr.Message, pgErr.Detail)
	}
	return err.Error()
}

// --- PostgreSQL Source ---

// PostgresSource implements Source for PostgreSQL using a pgx pool.
type PostgresSource struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// OpenPostgresSource connects to PostgreSQL and verifies the connection.
func OpenPostgresSource(ctx context.Context, cfg config.ConnectionConfig) (*PostgresSource, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresSource{pool: pool}, nil
}

// Count implements Source.
func (ps *PostgresSource) Count(ctx context.Context, countQuery string) (int64, error) {
	var n int64
	if err := ps.pool.QueryRow(ctx, countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count query failed: %s: %w", describePgError(err), err)
	}
	return n, nil
}

// ReadPage implements Source.
func (ps *PostgresSource) ReadPage(ctx context.Context, p Page) ([]model.Record, error) {
	q := DialectPostgres.PageSQL(p.Query, p.OrderBy, p.Offset, p.Limit)
	rows, err := ps.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: page query failed at offset %d: %w", p.Offset, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	records := make([]model.Record, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan row values at offset %d: %w", p.Offset, err)
		}
		rec := make(model.Record, len(fields))
		for i, fd := range fields {
			rec[fd.Name] = values[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: row iteration at offset %d: %w", p.Offset, err)
	}
	return records, nil
}

// Close implements Source.
func (ps *PostgresSource) Close() error {
	ps.closeOnce.Do(func() {
		if ps.pool != nil {
			ps.pool.Close()
		}
	})
	return nil
}

// --- PostgreSQL Sink ---

// PostgresSink implements Sink for PostgreSQL. Each Append is one COPY inside a transaction.
type PostgresSink struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
}

// OpenPostgresSink connects to PostgreSQL and verifies the connection.
func OpenPostgresSink(ctx context.Context, cfg config.ConnectionConfig) (*PostgresSink, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

// EnsureSchema implements Sink.
func (pw *PostgresSink) EnsureSchema(ctx context.Context, t model.Table, recreate bool) error {
	if recreate {
		logging.Logf(logging.Warning, "PostgresSink: dropping table '%s' before load", t.Name)
		if _, err := pw.pool.Exec(ctx, DialectPostgres.DropSQL(t.Name)); err != nil {
			return fmt.Errorf("postgres: drop table '%s': %w", t.Name, err)
		}
	}
	ddl := PostgresCreateSQL(t)
	logging.Logf(logging.Debug, "PostgresSink DDL:\n%s", ddl)
	if _, err := pw.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table '%s': %s: %w", t.Name, describePgError(err), err)
	}
	return nil
}

// Append implements Sink.
func (pw *PostgresSink) Append(ctx context.Context, t model.Table, rows []model.Record) error {
	if len(rows) == 0 {
		return nil
	}
	columns := t.ColumnNames()
	data := make([][]any, len(rows))
	for i, rec := range rows {
		row := make([]any, len(columns))
		for j, c := range t.Columns {
			v, err := postgresValue(rec[c.Name])
			if err != nil {
				return fmt.Errorf("postgres: row %d column '%s': %w", i, c.Name, err)
			}
			row[j] = v
		}
		data[i] = row
	}

	tx, err := pw.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				logging.Logf(logging.Error, "PostgresSink: failed to rollback transaction: %v", rbErr)
			}
		}
	}()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{t.Name}, columns, pgx.CopyFromRows(data))
	if err != nil {
		logging.Logf(logging.Error, "PostgresSink (COPY) failed for table '%s'. %s", t.Name, describePgError(err))
		return fmt.Errorf("postgres: copy into '%s': %w", t.Name, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("postgres: copy into '%s' wrote %d of %d rows", t.Name, n, len(rows))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit copy into '%s': %w", t.Name, err)
	}
	committed = true
	return nil
}

// Count implements Sink.
func (pw *PostgresSink) Count(ctx context.Context, table, where string) (int64, error) {
	var n int64
	if err := pw.pool.QueryRow(ctx, DialectPostgres.CountTableSQL(table, where)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count '%s': %w", table, err)
	}
	return n, nil
}

// Close implements Sink.
func (pw *PostgresSink) Close() error {
	pw.closeOnce.Do(func() {
		if pw.pool != nil {
			pw.pool.Close()
		}
	})
	return nil
}

// postgresValue converts normalized values into types pgx encodes for the
// columns PostgresCreateSQL declares.
func postgresValue(v any) (any, error) {
	switch x := v.(type) {
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows bigint", x)
		}
		return int64(x), nil
	case decimal.Decimal:
		return pgtype.Numeric{Int: x.Coefficient(), Exp: x.Exponent(), Valid: true}, nil
	default:
		return v, nil
	}
}
