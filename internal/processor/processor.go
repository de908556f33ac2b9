// Package processor cleans extracted batches before they are anonymized and loaded.
package processor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dw-etl/internal/logging"
	"dw-etl/internal/model"
	"dw-etl/internal/transform"
	"dw-etl/internal/util"

	"golang.org/x/text/unicode/norm"
)

// ErrMissingKey is returned when a record has no usable value for a key column.
var ErrMissingKey = errors.New("natural key value is missing")

// Result is a cleaned batch plus what cleaning changed.
type Result struct {
	Batch model.Batch
	// Duplicates counts records dropped because an earlier record had the same key.
	Duplicates int
	// FilledNumeric counts, per column, numeric values that were absent or not coercible and became zero.
	FilledNumeric map[string]int
	// FilledText counts, per column, absent text values that became "".
	FilledText map[string]int
	// FilledTime counts, per column, absent datetime values that became the epoch.
	FilledTime map[string]int
	// Filtered counts records dropped by the table filter.
	Filtered int
}

// Filled returns the total number of filled values.
func (r Result) Filled() int {
	n := 0
	for _, m := range []map[string]int{r.FilledNumeric, r.FilledText, r.FilledTime} {
		for _, c := range m {
			n += c
		}
	}
	return n
}

// Normalizer coerces the declared columns of a table, fills missing values,
// cleans text, drops duplicate keys and applies the optional row filter.
// Applying it to its own output changes nothing.
type Normalizer struct {
	table  model.Table
	keySet map[string]bool
	filter *transform.Filter
}

// NewNormalizer compiles the table's filter and checks that its key columns are declared.
func NewNormalizer(t model.Table) (*Normalizer, error) {
	if len(t.Key) == 0 {
		return nil, fmt.Errorf("table '%s' has no natural key", t.Name)
	}
	keySet := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		if _, ok := t.Column(k); !ok {
			return nil, fmt.Errorf("table '%s': key column '%s' is not declared", t.Name, k)
		}
		keySet[k] = true
	}
	f, err := transform.CompileFilter(t.Filter)
	if err != nil {
		return nil, fmt.Errorf("table '%s': %w", t.Name, err)
	}
	return &Normalizer{table: t, keySet: keySet, filter: f}, nil
}

// Normalize cleans b. Any error aborts the whole batch; the error names the batch offset.
func (n *Normalizer) Normalize(b model.Batch) (Result, error) {
	res := Result{
		Batch:         model.Batch{Offset: b.Offset},
		FilledNumeric: make(map[string]int),
		FilledText:    make(map[string]int),
		FilledTime:    make(map[string]int),
	}
	if b.Len() == 0 {
		return res, nil
	}

	seen := make(map[string]struct{}, b.Len())
	out := make([]model.Record, 0, b.Len())
	for i, rec := range b.Records {
		clean, err := n.cleanRecord(rec, &res)
		if err != nil {
			logging.Logw(logging.Error, "Normalization failed", "stage", "normalize", "offset", b.Offset, "row", i, "record", util.MaskSensitiveData(rec))
			return Result{}, fmt.Errorf("batch at offset %d, row %d: %w", b.Offset, i, err)
		}
		key, err := model.Key(clean, n.table.Key)
		if err != nil {
			return Result{}, fmt.Errorf("batch at offset %d, row %d: %w", b.Offset, i, err)
		}
		if _, dup := seen[key]; dup {
			res.Duplicates++
			logging.Logf(logging.Debug, "Normalizer: dropping duplicate key %q at offset %d row %d", key, b.Offset, i)
			continue
		}
		seen[key] = struct{}{}

		keep, err := n.filter.Match(clean)
		if err != nil {
			return Result{}, fmt.Errorf("batch at offset %d, row %d: %w", b.Offset, i, err)
		}
		if !keep {
			res.Filtered++
			continue
		}
		out = append(out, clean)
	}
	res.Batch.Records = out

	if res.Duplicates > 0 {
		logging.Logf(logging.Info, "Normalizer: removed %d duplicate records at offset %d (%d -> %d)", res.Duplicates, b.Offset, b.Len(), b.Len()-res.Duplicates)
	}
	if res.Filtered > 0 {
		logging.Logf(logging.Info, "Normalizer: filter '%s' dropped %d records at offset %d", n.filter, res.Filtered, b.Offset)
	}
	logFillReport(b.Offset, res)
	return res, nil
}

// cleanRecord returns a new record holding exactly the declared columns.
func (n *Normalizer) cleanRecord(rec model.Record, res *Result) (model.Record, error) {
	out := make(model.Record, len(n.table.Columns))
	for _, col := range n.table.Columns {
		v, missing, err := transform.Coerce(rec[col.Name], col)
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", col.Name, err)
		}
		if missing {
			if n.keySet[col.Name] {
				return nil, fmt.Errorf("column '%s': %w", col.Name, ErrMissingKey)
			}
			out[col.Name] = transform.Zero(col)
			switch {
			case col.Type.IsNumeric():
				res.FilledNumeric[col.Name]++
			case col.Type == model.TypeDateTime:
				res.FilledTime[col.Name]++
			default:
				res.FilledText[col.Name]++
			}
			continue
		}
		if s, ok := v.(string); ok {
			v = CleanText(s)
		}
		out[col.Name] = v
	}
	return out, nil
}

// CleanText applies Unicode NFC composition and trims surrounding whitespace.
func CleanText(s string) string {
	if !norm.NFC.IsNormalString(s) {
		s = norm.NFC.String(s)
	}
	return strings.TrimSpace(s)
}

// logFillReport warns once per batch with the per-column fill counts.
func logFillReport(offset int64, res Result) {
	if res.Filled() == 0 {
		return
	}
	parts := make([]string, 0)
	add := func(kind string, m map[string]int) {
		cols := make([]string, 0, len(m))
		for c := range m {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			parts = append(parts, fmt.Sprintf("%s=%d (%s)", c, m[c], kind))
		}
	}
	add("numeric->0", res.FilledNumeric)
	add("text->empty", res.FilledText)
	add("datetime->epoch", res.FilledTime)
	logging.Logf(logging.Warning, "Normalizer: filled missing values at offset %d: %s", offset, strings.Join(parts, ", "))
}
