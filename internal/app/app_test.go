package app

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dw-etl/internal/config"
	etlio "dw-etl/internal/io"
	"dw-etl/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: warn
  file: LOGDIR/etl_{table}.log
source:
  type: sqlite
  database: ${DW_ETL_TEST_DB}
destination:
  type: jsonl
  dir: OUTDIR
anonymization:
  enabled: false
  strategy: initials
year: 2024
tables:
  - name: dim_vendedor
    query: SELECT id, nome FROM vendedor
    key: [id]
    pageSize: 2
    anonymizeColumn: nome
    loadTimestamp: "-"
    columns:
      - {name: id, type: uint32}
      - {name: nome, type: string}
  - name: dim_produto
    kind: fact
    query: SELECT id, descricao, ano FROM produto WHERE ano <= {{ .Year }}
    key: [id]
    loadTimestamp: "-"
    columns:
      - {name: id, type: uint32}
      - {name: descricao, type: string}
      - {name: ano, type: uint16}
`

type fixture struct {
	dir     string
	config  string
	envFile string
	outDir  string
	logDir  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:     dir,
		config:  filepath.Join(dir, "etl.yaml"),
		envFile: filepath.Join(dir, "test.env"),
		outDir:  filepath.Join(dir, "out"),
		logDir:  filepath.Join(dir, "logs"),
	}

	dbPath := filepath.Join(dir, "erp.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE vendedor (id INTEGER, nome TEXT);
		INSERT INTO vendedor VALUES (1, 'Ana Maria Souza'), (2, 'Ana Maria Souza'), (3, '');
		CREATE TABLE produto (id INTEGER, descricao TEXT, ano INTEGER);
		INSERT INTO produto VALUES (10, ' Caneta ', 2023), (11, 'Lápis', 2024), (12, 'Borracha', 2025);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := strings.NewReplacer("LOGDIR", f.logDir, "OUTDIR", f.outDir).Replace(testConfig)
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(f.envFile, []byte("DW_ETL_TEST_DB="+dbPath+"\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DW_ETL_TEST_DB") })
	return f
}

func readJSONL(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var rows []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, sc.Err())
	return rows
}

func newTestRunner() (*AppRunner, *bytes.Buffer) {
	var out bytes.Buffer
	return &AppRunner{out: &out}, &out
}

func TestRunLoadsSelectedTables(t *testing.T) {
	f := newFixture(t)
	a, out := newTestRunner()

	err := a.Run(context.Background(), []string{
		"-c", f.config, "--env-file", f.envFile,
		"--anonymize", "--year", "2023", "-t", "dim_vendedor,dim_produto",
	})
	require.NoError(t, err)

	sellers := readJSONL(t, filepath.Join(f.outDir, "dim_vendedor.jsonl"))
	require.Len(t, sellers, 3)
	assert.Equal(t, "A. M. S.", sellers[0]["nome"])
	assert.Equal(t, "A. M. S. #2", sellers[1]["nome"])
	assert.Equal(t, "", sellers[2]["nome"])

	products := readJSONL(t, filepath.Join(f.outDir, "dim_produto.jsonl"))
	require.Len(t, products, 1, "year override renders into the query")
	assert.Equal(t, "Caneta", products[0]["descricao"])

	text := out.String()
	assert.Contains(t, text, "dim_vendedor: DONE")
	assert.Contains(t, text, "extracted: 3  loaded: 3  destination: 3")
	assert.Contains(t, text, "dim_produto: DONE")
	assert.Contains(t, text, "anonymized: 2")

	assert.FileExists(t, filepath.Join(f.logDir, "etl_dim_vendedor.log"))
	assert.FileExists(t, filepath.Join(f.logDir, "etl_dim_produto.log"))
}

func TestRunAnonymizationOffByDefault(t *testing.T) {
	f := newFixture(t)
	a, _ := newTestRunner()

	require.NoError(t, a.Run(context.Background(), []string{"-c", f.config, "--env-file", f.envFile, "-t", "dim_vendedor"}))
	sellers := readJSONL(t, filepath.Join(f.outDir, "dim_vendedor.jsonl"))
	assert.Equal(t, "Ana Maria Souza", sellers[1]["nome"])
	assert.NoFileExists(t, filepath.Join(f.outDir, "dim_produto.jsonl"))
}

func TestRunReportsFailedTables(t *testing.T) {
	f := newFixture(t)
	orig := newSinkFunc
	t.Cleanup(func() { newSinkFunc = orig })
	newSinkFunc = func(context.Context, config.ConnectionConfig) (etlio.Sink, error) {
		return nil, errors.New("dial tcp 10.0.0.5:9000: connection refused")
	}
	a, out := newTestRunner()

	err := a.Run(context.Background(), []string{"-c", f.config, "--env-file", f.envFile})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "dim_vendedor, dim_produto", "every table is attempted")
	assert.Contains(t, out.String(), "dim_vendedor: FAILED")
	assert.Contains(t, out.String(), "connection refused")
}

func TestRunListTables(t *testing.T) {
	f := newFixture(t)
	a, out := newTestRunner()
	require.NoError(t, a.Run(context.Background(), []string{"-c", f.config, "--env-file", f.envFile, "--list"}))
	assert.Equal(t, "dim_vendedor\ndim_produto\n", out.String())
}

func TestRunUsageErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown flag", []string{"--bogus"}, ErrUsage},
		{"positional argument", []string{"-c", f.config, "extra"}, ErrUsage},
		{"missing config", []string{"-c", filepath.Join(f.dir, "nope.yaml"), "--env-file", f.envFile}, ErrConfigNotFound},
		{"missing explicit env file", []string{"-c", f.config, "--env-file", filepath.Join(f.dir, "nope.env")}, ErrUsage},
		{"unknown table", []string{"-c", f.config, "--env-file", f.envFile, "-t", "dim_cliente"}, ErrUsage},
		{"invalid page size", []string{"-c", f.config, "--env-file", f.envFile, "--page-size", "-5"}, ErrUsage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestRunner()
			err := a.Run(context.Background(), tc.args)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRunHelp(t *testing.T) {
	a, out := newTestRunner()
	assert.NoError(t, a.Run(context.Background(), []string{"--help"}))
	assert.Empty(t, out.String(), "usage goes to stderr")

	var buf bytes.Buffer
	a.Usage(&buf)
	assert.Contains(t, buf.String(), "--strategy")
}

func TestOverridesOnlyChangedFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--recreate", "--page-size", "500"})
	require.NoError(t, err)
	o := flags.overrides()
	require.NotNil(t, o.Recreate)
	assert.True(t, *o.Recreate)
	assert.Nil(t, o.Anonymize)
	assert.Equal(t, int64(500), o.PageSize)
	assert.Zero(t, o.Year)
	assert.Empty(t, o.LogLevel)

	flags, err = parseFlags([]string{"--anonymize=false", "--loglevel", "debug"})
	require.NoError(t, err)
	o = flags.overrides()
	require.NotNil(t, o.Anonymize)
	assert.False(t, *o.Anonymize)
	assert.Equal(t, "debug", o.LogLevel)
}

func TestSelectTables(t *testing.T) {
	cfg := &config.ETLConfig{Tables: []config.TableConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}}}

	all, err := selectTables(cfg, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	picked, err := selectTables(cfg, []string{"c", " a"})
	require.NoError(t, err)
	assert.Equal(t, "c", picked[0].Name)
	assert.Equal(t, "a", picked[1].Name)

	_, err = selectTables(cfg, []string{"z"})
	assert.ErrorContains(t, err, "configured: a, b, c")
}

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	flushed  int
}

func (b *recordingBackend) IncCounter(name string, delta float64, _ metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name] += delta
}

func (b *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *recordingBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed++
	return nil
}

func TestRunPushesMetrics(t *testing.T) {
	f := newFixture(t)
	cfgText, err := os.ReadFile(f.config)
	require.NoError(t, err)
	cfgText = append(cfgText, []byte("metrics:\n  backend: prometheus\n  pushgatewayUrl: http://127.0.0.1:9091\n")...)
	require.NoError(t, os.WriteFile(f.config, cfgText, 0o644))

	backend := &recordingBackend{counters: map[string]float64{}}
	orig := newPrometheusBackendFunc
	t.Cleanup(func() { newPrometheusBackendFunc = orig })
	var gotJob string
	newPrometheusBackendFunc = func(m config.MetricsConfig) (metrics.Backend, error) {
		gotJob = m.Job
		return backend, nil
	}

	a, _ := newTestRunner()
	require.NoError(t, a.Run(context.Background(), []string{"-c", f.config, "--env-file", f.envFile, "-t", "dim_vendedor"}))

	assert.Equal(t, config.DefaultMetricsJob, gotJob)
	assert.Equal(t, 1, backend.flushed)
	assert.Equal(t, float64(2), backend.counters[metrics.BatchesTotal])
	assert.Equal(t, float64(6), backend.counters[metrics.RecordsTotal], "3 extracted + 3 loaded")
}

func TestSetupMetricsFallsBackOnError(t *testing.T) {
	orig := newDatadogBackendFunc
	t.Cleanup(func() {
		newDatadogBackendFunc = orig
		metrics.SetBackend(nil)
	})
	newDatadogBackendFunc = func(config.MetricsConfig) (metrics.Backend, error) {
		return nil, errors.New("no route to host")
	}
	setupMetrics(config.MetricsConfig{Backend: config.MetricsBackendDatadog, StatsdAddr: "10.0.0.1:8125"})
	assert.NoError(t, metrics.Flush())
}
