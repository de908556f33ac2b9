package transform

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"dw-etl/internal/model"

	"github.com/shopspring/decimal"
)

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	dec := model.Column{Name: "custo", Type: model.TypeDecimal, Precision: 10, Scale: 4}
	narrow := model.Column{Name: "custo", Type: model.TypeDecimal, Precision: 6, Scale: 4}

	testCases := []struct {
		name        string
		value       any
		col         model.Column
		want        any
		wantMissing bool
		wantErr     bool
	}{
		{name: "nil is missing", value: nil, col: model.Column{Type: model.TypeUInt32}, wantMissing: true},
		{name: "uint32 from int64", value: int64(42), col: model.Column{Type: model.TypeUInt32}, want: uint32(42)},
		{name: "uint32 from text", value: " 42 ", col: model.Column{Type: model.TypeUInt32}, want: uint32(42)},
		{name: "uint32 from bytes", value: []byte("7"), col: model.Column{Type: model.TypeUInt32}, want: uint32(7)},
		{name: "uint32 negative", value: -1, col: model.Column{Type: model.TypeUInt32}, wantMissing: true},
		{name: "uint16 overflow", value: 70000, col: model.Column{Type: model.TypeUInt16}, wantMissing: true},
		{name: "uint64 from float", value: 12.0, col: model.Column{Type: model.TypeUInt64}, want: uint64(12)},
		{name: "uint64 fractional", value: 12.5, col: model.Column{Type: model.TypeUInt64}, wantMissing: true},
		{name: "int32 text", value: "-5", col: model.Column{Type: model.TypeInt32}, want: int32(-5)},
		{name: "int64 garbage", value: "abc", col: model.Column{Type: model.TypeInt64}, wantMissing: true},
		{name: "float from comma", value: "12,5", col: model.Column{Type: model.TypeFloat64}, want: 12.5},
		{name: "decimal from text", value: "12.34567", col: dec, want: decimal.RequireFromString("12.3457")},
		{name: "decimal from bytes", value: []byte("3.1000"), col: dec, want: decimal.RequireFromString("3.1")},
		{name: "decimal garbage", value: "n/a", col: dec, wantMissing: true},
		{name: "decimal too wide", value: "1234567", col: dec, wantMissing: true},
		{name: "decimal below the bound", value: "99.99994", col: narrow, want: decimal.RequireFromString("99.9999")},
		{name: "decimal rounds onto the bound", value: "99.99996", col: narrow, wantMissing: true},
		{name: "decimal negative rounds onto the bound", value: "-99.99995", col: narrow, wantMissing: true},
		{name: "decimal null", value: decimal.NullDecimal{}, col: dec, wantMissing: true},
		{name: "datetime time", value: ts, col: model.Column{Type: model.TypeDateTime}, want: ts},
		{name: "datetime text", value: "2024-05-17 10:30:00", col: model.Column{Type: model.TypeDateTime}, want: ts},
		{name: "datetime empty", value: "  ", col: model.Column{Type: model.TypeDateTime}, wantMissing: true},
		{name: "datetime garbage", value: "yesterday", col: model.Column{Type: model.TypeDateTime}, wantErr: true},
		{name: "string from int", value: 15, col: model.Column{Type: model.TypeString}, want: "15"},
		{name: "string keeps spaces", value: " a ", col: model.Column{Type: model.TypeString}, want: " a "},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, missing, err := Coerce(tc.value, tc.col)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Coerce() err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				if !errors.Is(err, ErrUnparsableTime) {
					t.Errorf("Coerce() err = %v, want ErrUnparsableTime", err)
				}
				return
			}
			if missing != tc.wantMissing {
				t.Fatalf("Coerce() missing = %v, want %v", missing, tc.wantMissing)
			}
			if tc.wantMissing {
				return
			}
			if wd, ok := tc.want.(decimal.Decimal); ok {
				gd, ok := got.(decimal.Decimal)
				if !ok || !gd.Equal(wd) {
					t.Errorf("Coerce() = %v (%T), want %v", got, got, wd)
				}
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Coerce() = %#v (%T), want %#v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}

func TestZero(t *testing.T) {
	if got := Zero(model.Column{Type: model.TypeUInt16}); got != uint16(0) {
		t.Errorf("Zero(uint16) = %#v", got)
	}
	if got := Zero(model.Column{Type: model.TypeString}); got != "" {
		t.Errorf("Zero(string) = %#v", got)
	}
	if got := Zero(model.Column{Type: model.TypeDateTime}); got != MissingTime {
		t.Errorf("Zero(datetime) = %#v", got)
	}
}

func TestZeroDecimalIsAFixedPoint(t *testing.T) {
	for _, scale := range []int{0, 2, 4} {
		col := model.Column{Name: "custo", Type: model.TypeDecimal, Precision: 18, Scale: scale}
		fill, ok := Zero(col).(decimal.Decimal)
		if !ok || !fill.IsZero() {
			t.Fatalf("scale %d: Zero() = %#v", scale, Zero(col))
		}
		if fill.Exponent() != -int32(scale) {
			t.Errorf("scale %d: Zero() exponent = %d, want %d", scale, fill.Exponent(), -scale)
		}
		got, missing, err := Coerce(fill, col)
		if err != nil || missing {
			t.Fatalf("scale %d: Coerce(Zero()) = %v, missing %v, err %v", scale, got, missing, err)
		}
		if !reflect.DeepEqual(got, fill) {
			t.Errorf("scale %d: Coerce(Zero()) = %#v, want %#v", scale, got, fill)
		}
	}
}

func TestFilter(t *testing.T) {
	f, err := CompileFilter("custo > 0 && unidade != 'CX'")
	if err != nil {
		t.Fatalf("CompileFilter() error = %v", err)
	}
	testCases := []struct {
		rec  model.Record
		want bool
	}{
		{model.Record{"custo": decimal.RequireFromString("1.5"), "unidade": "UN"}, true},
		{model.Record{"custo": decimal.Zero, "unidade": "UN"}, false},
		{model.Record{"custo": uint32(3), "unidade": "CX"}, false},
	}
	for i, tc := range testCases {
		got, err := f.Match(tc.rec)
		if err != nil {
			t.Fatalf("case %d: Match() error = %v", i, err)
		}
		if got != tc.want {
			t.Errorf("case %d: Match() = %v, want %v", i, got, tc.want)
		}
	}
}

func TestFilterNilAndErrors(t *testing.T) {
	f, err := CompileFilter("")
	if err != nil || f != nil {
		t.Fatalf("CompileFilter(\"\") = %v, %v; want nil, nil", f, err)
	}
	if ok, err := f.Match(model.Record{"x": 1}); !ok || err != nil {
		t.Errorf("nil filter Match() = %v, %v", ok, err)
	}
	if _, err := CompileFilter("a >"); err == nil {
		t.Error("CompileFilter() expected error for malformed expression")
	}
	nonBool, err := CompileFilter("a + 1")
	if err != nil {
		t.Fatalf("CompileFilter() error = %v", err)
	}
	if _, err := nonBool.Match(model.Record{"a": 1}); err == nil {
		t.Error("Match() expected error for non-boolean result")
	}
}

type stubEvaluator struct{ err error }

func (s stubEvaluator) Evaluate(map[string]interface{}) (interface{}, error) { return nil, s.err }

func TestFilterEvaluationError(t *testing.T) {
	orig := newEvaluatorFunc
	t.Cleanup(func() { newEvaluatorFunc = orig })
	newEvaluatorFunc = func(string) (Evaluator, error) { return stubEvaluator{err: errors.New("boom")}, nil }

	f, err := CompileFilter("anything")
	if err != nil {
		t.Fatalf("CompileFilter() error = %v", err)
	}
	if _, err := f.Match(model.Record{}); err == nil {
		t.Error("Match() expected evaluation error")
	}
}

func TestHexDigest(t *testing.T) {
	got, err := HexDigest("sha256", "abc", 12)
	if err != nil {
		t.Fatalf("HexDigest() error = %v", err)
	}
	if want := "ba7816bf8f01"; got != want {
		t.Errorf("HexDigest(sha256) = %q, want %q", got, want)
	}
	full, _ := HexDigest("sha512", "abc", 0)
	if len(full) != 128 {
		t.Errorf("HexDigest(sha512) length = %d, want 128", len(full))
	}
	if _, err := HexDigest("md5", "abc", 0); err == nil {
		t.Error("HexDigest(md5) expected error")
	}
}
