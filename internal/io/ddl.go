package io

import (
	"fmt"
	"strings"

	"dw-etl/internal/model"
)

// clickHouseType maps a column onto its ClickHouse type.
func clickHouseType(c model.Column) string {
	switch c.Type {
	case model.TypeUInt16:
		return "UInt16"
	case model.TypeUInt32:
		return "UInt32"
	case model.TypeUInt64:
		return "UInt64"
	case model.TypeInt32:
		return "Int32"
	case model.TypeInt64:
		return "Int64"
	case model.TypeDecimal:
		return fmt.Sprintf("Decimal(%d, %d)", c.Precision, c.Scale)
	case model.TypeFloat64:
		return "Float64"
	case model.TypeDateTime:
		return "DateTime"
	default:
		return "String"
	}
}

// ClickHouseCreateSQL renders CREATE TABLE IF NOT EXISTS for t.
//
//	CREATE TABLE IF NOT EXISTS `dim_vendedor` (
//	    `id_funcionario` UInt32,
//	    `nome` String,
//	    `data_carga` DateTime DEFAULT now()
//	) ENGINE = MergeTree
//	PARTITION BY toYYYYMM(data_carga)
//	ORDER BY (`id_funcionario`)
func ClickHouseCreateSQL(t model.Table) string {
	d := DialectClickHouse
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Quote(t.Name))
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("    %s %s", d.Quote(c.Name), clickHouseType(c)))
	}
	if t.LoadTimestamp != "" {
		defs = append(defs, fmt.Sprintf("    %s DateTime DEFAULT now()", d.Quote(t.LoadTimestamp)))
	}
	b.WriteString(strings.Join(defs, ",\n"))
	engine := t.Engine
	if engine == "" {
		engine = "MergeTree"
	}
	fmt.Fprintf(&b, "\n) ENGINE = %s", engine)
	if t.PartitionBy != "" {
		fmt.Fprintf(&b, "\nPARTITION BY %s", t.PartitionBy)
	}
	order := t.OrderBy
	if len(order) == 0 {
		order = t.Key
	}
	if len(order) == 0 {
		b.WriteString("\nORDER BY tuple()")
	} else {
		fmt.Fprintf(&b, "\nORDER BY (%s)", d.quoteAll(order))
	}
	return b.String()
}

// postgresType maps a column onto its PostgreSQL type. Unsigned types are widened.
func postgresType(c model.Column) string {
	switch c.Type {
	case model.TypeUInt16, model.TypeInt32:
		return "integer"
	case model.TypeUInt32, model.TypeInt64, model.TypeUInt64:
		return "bigint"
	case model.TypeDecimal:
		return fmt.Sprintf("numeric(%d, %d)", c.Precision, c.Scale)
	case model.TypeFloat64:
		return "double precision"
	case model.TypeDateTime:
		return "timestamp"
	default:
		return "text"
	}
}

// PostgresCreateSQL renders CREATE TABLE IF NOT EXISTS for t.
func PostgresCreateSQL(t model.Table) string {
	d := DialectPostgres
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, fmt.Sprintf("    %s %s", d.Quote(c.Name), postgresType(c)))
	}
	if t.LoadTimestamp != "" {
		defs = append(defs, fmt.Sprintf("    %s timestamptz NOT NULL DEFAULT now()", d.Quote(t.LoadTimestamp)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", d.Quote(t.Name), strings.Join(defs, ",\n"))
}

// DropSQL renders DROP TABLE IF EXISTS for the dialect.
func (d Dialect) DropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

// InsertSQL renders INSERT INTO t (cols), with VALUES placeholders unless the
// dialect batches without them (ClickHouse).
func (d Dialect) InsertSQL(table string, columns []string) string {
	q := fmt.Sprintf("INSERT INTO %s (%s)", d.Quote(table), d.quoteAll(columns))
	if d == DialectClickHouse {
		return q
	}
	ph := make([]string, len(columns))
	for i := range columns {
		ph[i] = d.Placeholder(i + 1)
	}
	return q + " VALUES (" + strings.Join(ph, ", ") + ")"
}
