package io

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect string

const (
	DialectMSSQL      Dialect = "mssql"
	DialectPostgres   Dialect = "postgres"
	DialectSQLite     Dialect = "sqlite"
	DialectClickHouse Dialect = "clickhouse"
)

// Quote quotes a possibly schema-qualified identifier.
func (d Dialect) Quote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		switch d {
		case DialectMSSQL:
			parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
		case DialectClickHouse:
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		default:
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

func (d Dialect) quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// Placeholder returns the bind parameter marker for the 1-based position n.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case DialectMSSQL:
		return fmt.Sprintf("@p%d", n)
	case DialectPostgres:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// PageSQL appends the ordering and windowing clauses to query.
// SQL Server uses OFFSET ... ROWS FETCH NEXT ... ROWS ONLY, the others LIMIT/OFFSET.
// The query is not wrapped, so it may start with a common table expression.
func (d Dialect) PageSQL(query string, orderBy []string, offset, limit int64) string {
	q := trimQuery(query)
	order := d.quoteAll(orderBy)
	switch d {
	case DialectMSSQL:
		return fmt.Sprintf("%s\nORDER BY %s\nOFFSET %d ROWS FETCH NEXT %d ROWS ONLY", q, order, offset, limit)
	default:
		return fmt.Sprintf("%s\nORDER BY %s\nLIMIT %d OFFSET %d", q, order, limit, offset)
	}
}

// CountSQL wraps a SELECT so that it returns its row count.
func CountSQL(query string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (\n%s\n) AS src", trimQuery(query))
}

// CountTableSQL counts rows in a table with an optional WHERE clause.
func (d Dialect) CountTableSQL(table, where string) string {
	fn := "COUNT(*)"
	if d == DialectClickHouse {
		fn = "count()"
	}
	q := fmt.Sprintf("SELECT %s FROM %s", fn, d.Quote(table))
	if w := strings.TrimSpace(where); w != "" {
		q += " WHERE " + w
	}
	return q
}

func trimQuery(q string) string {
	return strings.TrimRight(strings.TrimSpace(q), "; \t\r\n")
}
