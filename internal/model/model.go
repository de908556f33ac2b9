// Package model holds the value types shared by every pipeline stage.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one row, column name to value.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Batch is one page of records read at Offset.
type Batch struct {
	Offset  int64
	Records []Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// ColumnType names the analytical type a column is coerced to.
type ColumnType string

const (
	TypeUInt16   ColumnType = "uint16"
	TypeUInt32   ColumnType = "uint32"
	TypeUInt64   ColumnType = "uint64"
	TypeInt32    ColumnType = "int32"
	TypeInt64    ColumnType = "int64"
	TypeDecimal  ColumnType = "decimal"
	TypeFloat64  ColumnType = "float64"
	TypeString   ColumnType = "string"
	TypeDateTime ColumnType = "datetime"
)

// IsNumeric reports whether missing values of this type are filled with zero.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case TypeUInt16, TypeUInt32, TypeUInt64, TypeInt32, TypeInt64, TypeDecimal, TypeFloat64:
		return true
	}
	return false
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	return t.IsNumeric() || t == TypeString || t == TypeDateTime
}

// Column describes one destination column.
type Column struct {
	Name      string     `yaml:"name"`
	Type      ColumnType `yaml:"type"`
	Precision int        `yaml:"precision,omitempty"`
	Scale     int        `yaml:"scale,omitempty"`
}

// Table describes one extraction/load unit: where rows come from, how they are
// ordered and cleaned, and how the destination table is laid out.
type Table struct {
	Name            string
	Query           string
	CountQuery      string
	Key             []string
	PageSize        int64
	Columns         []Column
	AnonymizeColumn string
	Filter          string
	Engine          string
	PartitionBy     string
	OrderBy         []string
	LoadTimestamp   string
}

// ColumnNames returns the declared column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a declared column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Key renders the natural key of r over keyColumns as a stable string.
// Values are canonicalized so that 7, int64(7) and "7" yield the same key.
// A missing key column is an error.
func Key(r Record, keyColumns []string) (string, error) {
	if len(keyColumns) == 0 {
		return "", fmt.Errorf("no key columns")
	}
	parts := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		v, ok := r[col]
		if !ok || v == nil {
			return "", fmt.Errorf("key column '%s' is missing", col)
		}
		parts[i] = CanonicalString(v)
	}
	return strings.Join(parts, "\x1f"), nil
}

// CanonicalString renders v the same way regardless of its concrete numeric type.
func CanonicalString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float32:
		return decimal.NewFromFloat32(x).String()
	case float64:
		return decimal.NewFromFloat(x).String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
