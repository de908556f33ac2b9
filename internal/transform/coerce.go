package transform

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dw-etl/internal/model"

	"github.com/shopspring/decimal"
)

// ErrUnparsableTime is returned by Coerce for datetime values that match no known layout.
var ErrUnparsableTime = errors.New("unparsable datetime")

// MissingTime is the fill value for missing datetime columns.
var MissingTime = time.Unix(0, 0).UTC()

// timeLayouts are tried in order when a datetime arrives as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"20060102",
}

// Zero returns the fill value for a missing value of col. Decimals come back
// at the column scale so a filled record coerces to itself.
func Zero(col model.Column) any {
	switch col.Type {
	case model.TypeUInt16:
		return uint16(0)
	case model.TypeUInt32:
		return uint32(0)
	case model.TypeUInt64:
		return uint64(0)
	case model.TypeInt32:
		return int32(0)
	case model.TypeInt64:
		return int64(0)
	case model.TypeDecimal:
		return decimal.New(0, -int32(col.Scale))
	case model.TypeFloat64:
		return float64(0)
	case model.TypeDateTime:
		return MissingTime
	default:
		return ""
	}
}

// Coerce converts v to the Go type backing col.Type.
// missing reports that v was absent or, for numeric columns, not coercible; the
// caller fills it. err is only returned for datetime text that cannot be parsed.
func Coerce(v any, col model.Column) (out any, missing bool, err error) {
	v = unwrap(v)
	if v == nil {
		return nil, true, nil
	}

	switch col.Type {
	case model.TypeUInt16:
		return uintOfWidth(v, 16, func(u uint64) any { return uint16(u) })
	case model.TypeUInt32:
		return uintOfWidth(v, 32, func(u uint64) any { return uint32(u) })
	case model.TypeUInt64:
		return uintOfWidth(v, 64, func(u uint64) any { return u })
	case model.TypeInt32:
		i, ok := ParseInt64(v)
		if !ok || i < math.MinInt32 || i > math.MaxInt32 {
			return nil, true, nil
		}
		return int32(i), false, nil
	case model.TypeInt64:
		i, ok := ParseInt64(v)
		if !ok {
			return nil, true, nil
		}
		return i, false, nil
	case model.TypeFloat64:
		f, ok := ParseFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true, nil
		}
		return f, false, nil
	case model.TypeDecimal:
		d, ok := ParseDecimal(v)
		if !ok {
			return nil, true, nil
		}
		// Rounding can carry into a new integer digit, so the bound is
		// checked on the stored value.
		d = d.Round(int32(col.Scale))
		if !fitsPrecision(d, col.Precision, col.Scale) {
			return nil, true, nil
		}
		return d, false, nil
	case model.TypeDateTime:
		t, ok, err := ParseTime(v)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		return t, false, nil
	default:
		return ToString(v), false, nil
	}
}

func uintOfWidth(v any, bits int, conv func(uint64) any) (any, bool, error) {
	u, ok := ParseUint64(v)
	if !ok {
		return nil, true, nil
	}
	if bits < 64 && u > (uint64(1)<<bits)-1 {
		return nil, true, nil
	}
	return conv(u), false, nil
}

// fitsPrecision reports whether d has at most precision-scale integer digits.
// A zero precision means unbounded.
func fitsPrecision(d decimal.Decimal, precision, scale int) bool {
	if precision <= 0 {
		return true
	}
	intDigits := precision - scale
	limit := decimal.New(1, int32(intDigits))
	return d.Abs().LessThan(limit)
}

// unwrap resolves driver.Valuer implementations (pgtype.Numeric and friends)
// and byte slices to plain values.
func unwrap(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case decimal.Decimal, time.Time:
		return x
	case decimal.NullDecimal:
		if !x.Valid {
			return nil
		}
		return x.Decimal
	case driver.Valuer:
		val, err := x.Value()
		if err != nil {
			return nil
		}
		if b, ok := val.([]byte); ok {
			return string(b)
		}
		return val
	}
	return v
}

// ParseInt64 attempts to parse various input types into int64.
// Floats and decimals are accepted only when they carry no fractional part.
func ParseInt64(value any) (int64, bool) {
	switch v := unwrap(value).(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return ParseInt64(float64(v))
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case decimal.Decimal:
		if !v.IsInteger() {
			return 0, false
		}
		if v.LessThan(decimal.NewFromInt(math.MinInt64)) || v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
			return 0, false
		}
		return v.IntPart(), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return ParseInt64(d)
		}
		return 0, false
	default:
		return 0, false
	}
}

// ParseUint64 is ParseInt64 for non-negative values up to math.MaxUint64.
func ParseUint64(value any) (uint64, bool) {
	switch v := unwrap(value).(type) {
	case uint:
		return uint64(v), true
	case uint64:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, true
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		return ParseUint64(d)
	case decimal.Decimal:
		if !v.IsInteger() || v.IsNegative() {
			return 0, false
		}
		u, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		return u, true
	default:
		i, ok := ParseInt64(v)
		if !ok || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
}

// ParseFloat64 attempts to parse various input types into float64.
func ParseFloat64(value any) (float64, bool) {
	switch v := unwrap(value).(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case decimal.Decimal:
		return v.InexactFloat64(), true
	case string:
		s := normalizeDecimalSeparator(strings.TrimSpace(v))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		if u, ok := ParseUint64(v); ok {
			return float64(u), true
		}
		if i, ok := ParseInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// ParseDecimal attempts to parse various input types into an exact decimal.
func ParseDecimal(value any) (decimal.Decimal, bool) {
	switch v := unwrap(value).(type) {
	case decimal.Decimal:
		return v, true
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case string:
		s := normalizeDecimalSeparator(strings.TrimSpace(v))
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		if u, ok := ParseUint64(v); ok {
			return decimal.NewFromUint64(u), true
		}
		if i, ok := ParseInt64(v); ok {
			return decimal.NewFromInt(i), true
		}
		return decimal.Zero, false
	}
}

// normalizeDecimalSeparator turns "12,5" into "12.5". Strings that already
// contain a dot are left alone so thousands separators are not misread.
func normalizeDecimalSeparator(s string) string {
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}

// ParseTime converts v to a UTC time. ok is false for empty text.
func ParseTime(value any) (t time.Time, ok bool, err error) {
	switch v := unwrap(value).(type) {
	case time.Time:
		return v.UTC(), true, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false, nil
		}
		for _, layout := range timeLayouts {
			if parsed, perr := time.Parse(layout, s); perr == nil {
				return parsed.UTC(), true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("%w: '%s'", ErrUnparsableTime, s)
	case int64:
		return time.Unix(v, 0).UTC(), true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: unsupported type %T", ErrUnparsableTime, v)
	}
}

// ToString renders v as text without trimming.
func ToString(value any) string {
	switch v := unwrap(value).(type) {
	case nil:
		return ""
	case string:
		return v
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return v.UTC().Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
