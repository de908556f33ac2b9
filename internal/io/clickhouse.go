package io

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
	"dw-etl/internal/util"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// clickhouseOpenDBFunc allows overriding clickhouse.OpenDB for testing.
var clickhouseOpenDBFunc = clickhouse.OpenDB

// ClickHouseOptions builds driver options from cfg. A DSN, when set, takes precedence.
func ClickHouseOptions(cfg config.ConnectionConfig) (*clickhouse.Options, error) {
	if cfg.DSN != "" {
		opts, err := clickhouse.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid clickhouse dsn '%s': %w", util.MaskCredentials(cfg.DSN), err)
		}
		return opts, nil
	}
	opts := &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if len(cfg.Params) > 0 {
		opts.Settings = clickhouse.Settings{}
		for k, v := range cfg.Params {
			opts.Settings[k] = v
		}
	}
	return opts, nil
}

// ClickHouseSink implements Sink for ClickHouse through database/sql.
// Each Append prepares one INSERT batch inside a transaction; Commit sends it.
type ClickHouseSink struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// NewClickHouseSink wraps an already opened handle.
func NewClickHouseSink(db *sql.DB) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

// OpenClickHouseSink connects to ClickHouse and verifies the connection.
func OpenClickHouseSink(ctx context.Context, cfg config.ConnectionConfig) (*ClickHouseSink, error) {
	opts, err := ClickHouseOptions(cfg)
	if err != nil {
		return nil, err
	}
	db := clickhouseOpenDBFunc(opts)
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse: ping %v: %w", opts.Addr, err)
	}
	logging.Logf(logging.Debug, "Connected to ClickHouse at %v (database '%s')", opts.Addr, opts.Auth.Database)
	return NewClickHouseSink(db), nil
}

// EnsureSchema implements Sink.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context, t model.Table, recreate bool) error {
	if recreate {
		logging.Logf(logging.Warning, "ClickHouseSink: dropping table '%s' before load", t.Name)
		if _, err := s.db.ExecContext(ctx, DialectClickHouse.DropSQL(t.Name)); err != nil {
			return fmt.Errorf("clickhouse: drop table '%s': %w", t.Name, err)
		}
	}
	ddl := ClickHouseCreateSQL(t)
	logging.Logf(logging.Debug, "ClickHouseSink DDL:\n%s", ddl)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse: create table '%s': %w", t.Name, err)
	}
	return nil
}

// Append implements Sink.
func (s *ClickHouseSink) Append(ctx context.Context, t model.Table, rows []model.Record) error {
	if len(rows) == 0 {
		return nil
	}
	columns := t.ColumnNames()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse: begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, DialectClickHouse.InsertSQL(t.Name, columns))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch for '%s': %w", t.Name, err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for i, rec := range rows {
		for j, c := range columns {
			args[j] = rec[c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("clickhouse: append row %d to '%s': %w", i, t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clickhouse: send batch of %d rows to '%s': %w", len(rows), t.Name, err)
	}
	committed = true
	return nil
}

// Count implements Sink.
func (s *ClickHouseSink) Count(ctx context.Context, table, where string) (int64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, DialectClickHouse.CountTableSQL(table, where)).Scan(&n); err != nil {
		return 0, fmt.Errorf("clickhouse: count '%s': %w", table, err)
	}
	return int64(n), nil
}

// Close implements Sink.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
