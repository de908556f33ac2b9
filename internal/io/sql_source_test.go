package io

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"dw-etl/internal/config"
)

// newMemorySource opens an in-memory SQLite source seeded with the given statements.
func newMemorySource(t *testing.T, stmts ...string) *SQLSource {
	t.Helper()
	src, err := OpenSQLiteSource(context.Background(), config.ConnectionConfig{Type: config.SourceTypeSQLite, Database: ":memory:"})
	if err != nil {
		t.Fatalf("OpenSQLiteSource: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	for _, s := range stmts {
		if _, err := src.db.Exec(s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
	return src
}

func TestSQLSourceCountAndReadPage(t *testing.T) {
	src := newMemorySource(t,
		"CREATE TABLE funcionario (id_funcionario INTEGER, nome TEXT, salario REAL)",
		"INSERT INTO funcionario VALUES (3, 'Carla', 10.5), (1, 'Ana', 20), (2, 'Bruno', NULL)",
	)
	ctx := context.Background()
	query := "SELECT id_funcionario, nome, salario FROM funcionario"

	n, err := src.Count(ctx, CountSQL(query))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	page, err := src.ReadPage(ctx, Page{Query: query, OrderBy: []string{"id_funcionario"}, Offset: 0, Limit: 2})
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page 1 has %d rows, want 2", len(page))
	}
	if page[0]["id_funcionario"] != int64(1) || page[0]["nome"] != "Ana" {
		t.Errorf("first row = %v", page[0])
	}
	if page[1]["salario"] != nil {
		t.Errorf("NULL salary should scan as nil, got %v", page[1]["salario"])
	}

	page, err = src.ReadPage(ctx, Page{Query: query, OrderBy: []string{"id_funcionario"}, Offset: 2, Limit: 2})
	if err != nil {
		t.Fatalf("ReadPage(2): %v", err)
	}
	if len(page) != 1 || page[0]["nome"] != "Carla" {
		t.Errorf("page 2 = %v", page)
	}

	page, err = src.ReadPage(ctx, Page{Query: query, OrderBy: []string{"id_funcionario"}, Offset: 4, Limit: 2})
	if err != nil {
		t.Fatalf("ReadPage(past end): %v", err)
	}
	if len(page) != 0 {
		t.Errorf("reading past the end returned %d rows", len(page))
	}
}

func TestSQLSourceQueryErrors(t *testing.T) {
	src := newMemorySource(t)
	ctx := context.Background()

	if _, err := src.Count(ctx, "SELECT COUNT(*) FROM missing_table"); err == nil {
		t.Error("expected Count error for missing table")
	}
	_, err := src.ReadPage(ctx, Page{Query: "SELECT * FROM missing_table", OrderBy: []string{"id"}, Offset: 10, Limit: 5})
	if err == nil {
		t.Fatal("expected ReadPage error for missing table")
	}
	if !strings.Contains(err.Error(), "offset 10") {
		t.Errorf("error should carry the offset: %v", err)
	}
}

func TestSQLSourceCloseIsIdempotent(t *testing.T) {
	src := newMemorySource(t)
	if err := src.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenSQLiteSourceRequiresPath(t *testing.T) {
	if _, err := OpenSQLiteSource(context.Background(), config.ConnectionConfig{Type: config.SourceTypeSQLite}); err == nil {
		t.Error("expected error for empty sqlite path")
	}
}

func TestOpenSQLSourceOpenFailure(t *testing.T) {
	orig := sqlOpenFunc
	t.Cleanup(func() { sqlOpenFunc = orig })
	sqlOpenFunc = func(driver, dsn string) (*sql.DB, error) {
		return nil, errors.New("driver exploded")
	}

	_, err := OpenMSSQLSource(context.Background(), config.ConnectionConfig{
		Host: "db01", Port: 1433, User: "sa", Password: "topsecret", Database: "erp",
	})
	if err == nil {
		t.Fatal("expected error from failing sql.Open")
	}
	if strings.Contains(err.Error(), "topsecret") {
		t.Errorf("error leaks the password: %v", err)
	}
	if !strings.Contains(err.Error(), "driver exploded") {
		t.Errorf("error should wrap the cause: %v", err)
	}
}

func TestDriverValueCopiesBytes(t *testing.T) {
	b := []byte("12.3400")
	v := driverValue(b)
	b[0] = '9'
	if v != "12.3400" {
		t.Errorf("driverValue = %v, want an independent string", v)
	}
	if driverValue(int64(3)) != int64(3) {
		t.Error("non-byte values must pass through")
	}
}
