package io

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
	"dw-etl/internal/model"
)

// JSONLSink implements Sink by appending one JSON object per line to
// <dir>/<table>.jsonl. Keys follow the declared column order.
type JSONLSink struct {
	dir string

	mu     sync.Mutex
	files  map[string]*jsonlFile
	closed bool
}

type jsonlFile struct {
	f     *os.File
	path  string
	lines int64
}

// NewJSONLSink creates the output directory and returns the sink.
func NewJSONLSink(cfg config.ConnectionConfig) (*JSONLSink, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonl: create output directory '%s': %w", cfg.Dir, err)
	}
	return &JSONLSink{dir: cfg.Dir, files: make(map[string]*jsonlFile)}, nil
}

// Path returns the file path used for table.
func (s *JSONLSink) Path(table string) string {
	return filepath.Join(s.dir, table+".jsonl")
}

// EnsureSchema implements Sink. recreate truncates the file; otherwise rows are appended.
func (s *JSONLSink) EnsureSchema(_ context.Context, t model.Table, recreate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jf, ok := s.files[t.Name]; ok {
		if !recreate {
			return nil
		}
		_ = jf.f.Close()
		delete(s.files, t.Name)
	}

	path := s.Path(t.Name)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	var existing int64
	if recreate {
		flags |= os.O_TRUNC
	} else {
		n, err := countLines(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("jsonl: read existing '%s': %w", path, err)
		}
		existing = n
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open '%s': %w", path, err)
	}
	s.files[t.Name] = &jsonlFile{f: f, path: path, lines: existing}
	return nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// Append implements Sink. The whole batch is encoded before a single write.
func (s *JSONLSink) Append(_ context.Context, t model.Table, rows []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, ok := s.files[t.Name]
	if !ok {
		return fmt.Errorf("jsonl: schema for '%s' was not ensured", t.Name)
	}
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	stamp := nowFunc().UTC().Format(time.DateTime)
	for i, rec := range rows {
		if err := encodeOrdered(&buf, t, rec, stamp); err != nil {
			return fmt.Errorf("jsonl: encode row %d for '%s': %w", i, t.Name, err)
		}
	}
	if _, err := jf.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("jsonl: write '%s': %w", jf.path, err)
	}
	jf.lines += int64(len(rows))
	return nil
}

func encodeOrdered(buf *bytes.Buffer, t model.Table, rec model.Record, stamp string) error {
	buf.WriteByte('{')
	for i, c := range t.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONField(buf, c.Name, rec[c.Name]); err != nil {
			return err
		}
	}
	if t.LoadTimestamp != "" {
		if len(t.Columns) > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONField(buf, t.LoadTimestamp, stamp); err != nil {
			return err
		}
	}
	buf.WriteString("}\n")
	return nil
}

func writeJSONField(buf *bytes.Buffer, name string, v any) error {
	k, err := json.Marshal(name)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("column '%s': %w", name, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// Count implements Sink. Filtered counts are not supported.
func (s *JSONLSink) Count(_ context.Context, table, where string) (int64, error) {
	if where != "" {
		return 0, fmt.Errorf("jsonl: count with filter: %w", ErrUnsupported)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jf, ok := s.files[table]
	if !ok {
		return 0, fmt.Errorf("jsonl: unknown table '%s'", table)
	}
	return jf.lines, nil
}

// Close implements Sink. It is safe to call more than once.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, jf := range s.files {
		if err := jf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("jsonl: close '%s': %w", jf.path, err))
		} else {
			logging.Logf(logging.Debug, "JSONLSink: closed %s (%d lines)", jf.path, jf.lines)
		}
		delete(s.files, name)
	}
	return errors.Join(errs...)
}
