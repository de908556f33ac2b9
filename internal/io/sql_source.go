package io

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
	"dw-etl/internal/util"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
	_ "modernc.org/sqlite"
)

// sqlOpenFunc allows overriding sql.Open for testing.
var sqlOpenFunc = sql.Open

// SQLSource implements Source over database/sql. It serves SQL Server
// (go-mssqldb) and SQLite (modernc.org/sqlite).
type SQLSource struct {
	db        *sql.DB
	dialect   Dialect
	closeOnce sync.Once
	closeErr  error
}

// NewSQLSource wraps an already opened database handle.
func NewSQLSource(db *sql.DB, dialect Dialect) *SQLSource {
	return &SQLSource{db: db, dialect: dialect}
}

// MSSQLDSN builds a sqlserver:// connection string from cfg unless cfg.DSN is set.
// A host of the form "server\instance" selects a named instance.
func MSSQLDSN(cfg config.ConnectionConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	if cfg.DialTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(cfg.DialTimeout/time.Second)))
	}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	host, instance, _ := strings.Cut(cfg.Host, `\`)
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     host,
		RawQuery: q.Encode(),
	}
	if instance != "" {
		u.Path = "/" + instance
	} else if cfg.Port > 0 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// OpenMSSQLSource connects to SQL Server and verifies the connection.
func OpenMSSQLSource(ctx context.Context, cfg config.ConnectionConfig) (*SQLSource, error) {
	dsn := MSSQLDSN(cfg)
	// Validate the DSN first so that typos fail without a network round trip.
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("invalid sqlserver dsn '%s': %w", util.MaskCredentials(dsn), err)
	}
	return openSQLSource(ctx, "sqlserver", dsn, DialectMSSQL, cfg.DialTimeout)
}

// OpenSQLiteSource opens a SQLite database file (or ":memory:").
func OpenSQLiteSource(ctx context.Context, cfg config.ConnectionConfig) (*SQLSource, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Database
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite: database path must not be empty")
	}
	src, err := openSQLSource(ctx, "sqlite", dsn, DialectSQLite, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	// A single connection keeps an in-memory database visible to every query.
	src.db.SetMaxOpenConns(1)
	return src, nil
}

func openSQLSource(ctx context.Context, driver, dsn string, dialect Dialect, timeout time.Duration) (*SQLSource, error) {
	masked := util.MaskCredentials(dsn)
	logging.Logf(logging.Debug, "Opening %s source: %s", dialect, masked)
	db, err := sqlOpenFunc(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open (using %s): %w", dialect, masked, err)
	}
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping (using %s): %w", dialect, masked, err)
	}
	return NewSQLSource(db, dialect), nil
}

// Count implements Source.
func (s *SQLSource) Count(ctx context.Context, countQuery string) (int64, error) {
	logging.Logf(logging.Debug, "%s source: counting with: %s", s.dialect, util.Truncate(util.CompactSQL(countQuery), 300))
	var n int64
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: count query failed: %w", s.dialect, err)
	}
	return n, nil
}

// ReadPage implements Source.
func (s *SQLSource) ReadPage(ctx context.Context, p Page) ([]model.Record, error) {
	q := s.dialect.PageSQL(p.Query, p.OrderBy, p.Offset, p.Limit)
	logging.Logf(logging.Debug, "%s source: reading page offset=%d limit=%d", s.dialect, p.Offset, p.Limit)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: page query failed at offset %d: %w", s.dialect, p.Offset, err)
	}
	defer rows.Close()
	records, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: reading page at offset %d: %w", s.dialect, p.Offset, err)
	}
	return records, nil
}

// Close implements Source.
func (s *SQLSource) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}

// scanRows materializes every row as a Record keyed by column name.
func scanRows(rows *sql.Rows) ([]model.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	records := make([]model.Record, 0)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec := make(model.Record, len(cols))
		for i, c := range cols {
			rec[c] = driverValue(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return records, nil
}

// driverValue copies byte slices (reused by the driver between rows) into strings.
// go-mssqldb returns DECIMAL and MONEY values this way.
func driverValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
