package io

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupported is returned by sinks for operations they cannot perform,
// such as filtered counts on file exports.
var ErrUnsupported = errors.New("operation not supported by sink")

// nowFunc stamps the load timestamp column of file sinks; tests may override it.
var nowFunc = time.Now

// XLSXSink implements Sink by writing one workbook per table into a directory.
// Workbooks are kept in memory and saved on Close.
type XLSXSink struct {
	dir       string
	sheetName string

	mu     sync.Mutex
	books  map[string]*xlsxBook
	closed bool
}

type xlsxBook struct {
	file    *excelize.File
	path    string
	nextRow int // 1-based row the next record is written to
	dirty   bool
}

// NewXLSXSink creates the output directory and returns the sink.
func NewXLSXSink(cfg config.ConnectionConfig) (*XLSXSink, error) {
	sheet := cfg.SheetName
	if sheet == "" {
		sheet = config.DefaultSheetName
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("xlsx: create output directory '%s': %w", cfg.Dir, err)
	}
	return &XLSXSink{dir: cfg.Dir, sheetName: sheet, books: make(map[string]*xlsxBook)}, nil
}

// Path returns the workbook path used for table.
func (s *XLSXSink) Path(table string) string {
	return filepath.Join(s.dir, table+".xlsx")
}

func xlsxHeader(t model.Table) []string {
	header := t.ColumnNames()
	if t.LoadTimestamp != "" {
		header = append(header, t.LoadTimestamp)
	}
	return header
}

// EnsureSchema implements Sink. An existing workbook is reopened and appended to.
func (s *XLSXSink) EnsureSchema(_ context.Context, t model.Table, recreate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(t.Name)
	if b, ok := s.books[t.Name]; ok {
		if !recreate {
			return nil
		}
		_ = b.file.Close()
		delete(s.books, t.Name)
	}

	if !recreate {
		if _, err := os.Stat(path); err == nil {
			f, err := excelize.OpenFile(path)
			if err != nil {
				return fmt.Errorf("xlsx: open existing workbook '%s': %w", path, err)
			}
			rows, err := f.GetRows(s.sheetName)
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("xlsx: read sheet '%s' in '%s': %w", s.sheetName, path, err)
			}
			if len(rows) == 0 {
				_ = f.Close()
				return fmt.Errorf("xlsx: workbook '%s' has no header row", path)
			}
			logging.Logf(logging.Debug, "XLSXSink: appending to existing workbook %s (%d data rows)", path, len(rows)-1)
			s.books[t.Name] = &xlsxBook{file: f, path: path, nextRow: len(rows) + 1}
			return nil
		}
	}

	f := excelize.NewFile()
	if s.sheetName != config.DefaultSheetName {
		if err := f.SetSheetName(config.DefaultSheetName, s.sheetName); err != nil {
			_ = f.Close()
			return fmt.Errorf("xlsx: rename sheet to '%s': %w", s.sheetName, err)
		}
	}
	header := xlsxHeader(t)
	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	if err := f.SetSheetRow(s.sheetName, "A1", &row); err != nil {
		_ = f.Close()
		return fmt.Errorf("xlsx: write header to '%s': %w", path, err)
	}
	s.books[t.Name] = &xlsxBook{file: f, path: path, nextRow: 2, dirty: true}
	return nil
}

// Append implements Sink.
func (s *XLSXSink) Append(_ context.Context, t model.Table, rows []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[t.Name]
	if !ok {
		return fmt.Errorf("xlsx: schema for '%s' was not ensured", t.Name)
	}
	if len(rows) == 0 {
		return nil
	}

	header := xlsxHeader(t)
	stamp := nowFunc()
	data := make([][]interface{}, len(rows))
	for i, rec := range rows {
		row := make([]interface{}, len(header))
		for j, c := range t.Columns {
			row[j] = xlsxValue(rec[c.Name])
		}
		if t.LoadTimestamp != "" {
			row[len(header)-1] = stamp
		}
		data[i] = row
	}

	for i := range data {
		cell, err := excelize.CoordinatesToCellName(1, b.nextRow+i)
		if err != nil {
			return fmt.Errorf("xlsx: cell for row %d: %w", b.nextRow+i, err)
		}
		if err := b.file.SetSheetRow(s.sheetName, cell, &data[i]); err != nil {
			// Clear what was written so the batch leaves no partial rows behind.
			for k := 0; k < i; k++ {
				_ = b.file.RemoveRow(s.sheetName, b.nextRow)
			}
			return fmt.Errorf("xlsx: write row %d to '%s': %w", i, b.path, err)
		}
	}
	b.nextRow += len(data)
	b.dirty = true
	return nil
}

func xlsxValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.InexactFloat64()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return v
	}
}

// Count implements Sink. Filtered counts are not supported.
func (s *XLSXSink) Count(_ context.Context, table, where string) (int64, error) {
	if where != "" {
		return 0, fmt.Errorf("xlsx: count with filter: %w", ErrUnsupported)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[table]
	if !ok {
		return 0, fmt.Errorf("xlsx: unknown table '%s'", table)
	}
	return int64(b.nextRow - 2), nil
}

// Close saves every modified workbook. It is safe to call more than once.
func (s *XLSXSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, b := range s.books {
		if b.dirty {
			if err := b.file.SaveAs(b.path); err != nil {
				errs = append(errs, fmt.Errorf("xlsx: save '%s': %w", b.path, err))
			} else {
				logging.Logf(logging.Info, "XLSXSink: wrote %d data rows to %s", b.nextRow-2, b.path)
			}
		}
		if err := b.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("xlsx: close '%s': %w", b.path, err))
		}
		delete(s.books, name)
	}
	return errors.Join(errs...)
}
