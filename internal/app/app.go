package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dw-etl/internal/config"
	etlio "dw-etl/internal/io"
	"dw-etl/internal/logging"
	"dw-etl/internal/metrics"
	"dw-etl/internal/metrics/datadog"
	"dw-etl/internal/metrics/prompush"
	"dw-etl/internal/pipeline"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Define common application-level errors.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrRunFailed      = errors.New("one or more table loads failed")
)

// Factory variables; tests replace them to avoid real connections.
var (
	newSourceFunc = etlio.NewSource
	newSinkFunc   = etlio.NewSink

	newPrometheusBackendFunc = func(m config.MetricsConfig) (metrics.Backend, error) {
		return prompush.NewBackend(m.Job, m.PushgatewayURL, m.Namespace)
	}
	newDatadogBackendFunc = func(m config.MetricsConfig) (metrics.Backend, error) {
		return datadog.NewBackend(datadog.Config{Addr: m.StatsdAddr, Namespace: m.Namespace, GlobalTags: m.Tags})
	}

	osStatFunc  = os.Stat
	loadEnvFunc = godotenv.Load
)

const (
	defaultConfigFile = "configs/etl.yaml"
	defaultEnvFile    = ".env"
	tablePlaceholder  = "{table}"
)

// AppRunner encapsulates the application's execution logic.
type AppRunner struct {
	out io.Writer
}

// NewAppRunner creates a runner that prints summaries to stdout.
func NewAppRunner() *AppRunner {
	return &AppRunner{out: os.Stdout}
}

// usageText defines the command-line help information.
const usageText = `Usage:
  dw-etl [options]

Options:
  -c, --config string      YAML configuration file (default "configs/etl.yaml")
  -t, --table strings      Table(s) to load, repeatable or comma separated (default: all)
      --year int           Year rendered into query templates (default: config or current year)
      --recreate           Drop and recreate destination tables before loading
      --anonymize          Anonymize the configured name column
      --strategy string    Anonymization strategy: hash, mask, initials, generic, vendedor
      --page-size int      Rows per batch for every selected table
      --loglevel string    Logging level (none, error, warn, info, debug) (default "info")
      --log-file string    Mirror logs to this file; "{table}" is replaced per table
      --env-file string    Environment file loaded before the configuration (default ".env")
      --list               List configured tables and exit
  -h, --help               Show help

Environment Variables:
  Any VAR   Can be used in connection settings via $VAR/${VAR} or %VAR%

Examples:
  dw-etl --table dim_vendedor --anonymize --strategy initials
  dw-etl -c configs/etl.yaml -t fato_vendas --year 2024 --recreate
`

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(writer io.Writer) {
	fmt.Fprint(writer, usageText)
}

type cliFlags struct {
	fs        *pflag.FlagSet
	config    string
	tables    []string
	year      int
	recreate  bool
	anonymize bool
	strategy  string
	pageSize  int64
	logLevel  string
	logFile   string
	envFile   string
	list      bool
	help      bool
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{fs: pflag.NewFlagSet("dw-etl", pflag.ContinueOnError)}
	fs := f.fs
	fs.SetOutput(io.Discard)
	fs.StringVarP(&f.config, "config", "c", defaultConfigFile, "YAML configuration file")
	fs.StringSliceVarP(&f.tables, "table", "t", nil, "Table(s) to load")
	fs.IntVar(&f.year, "year", 0, "Year rendered into query templates")
	fs.BoolVar(&f.recreate, "recreate", false, "Drop and recreate destination tables")
	fs.BoolVar(&f.anonymize, "anonymize", false, "Anonymize the configured name column")
	fs.StringVar(&f.strategy, "strategy", "", "Anonymization strategy")
	fs.Int64Var(&f.pageSize, "page-size", 0, "Rows per batch")
	fs.StringVar(&f.logLevel, "loglevel", config.DefaultLogLevel, "Logging level")
	fs.StringVar(&f.logFile, "log-file", "", "Mirror logs to this file")
	fs.StringVar(&f.envFile, "env-file", defaultEnvFile, "Environment file")
	fs.BoolVar(&f.list, "list", false, "List configured tables")
	fs.BoolVarP(&f.help, "help", "h", false, "Show help")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// overrides converts explicitly set flags into config overrides.
func (f *cliFlags) overrides() config.Overrides {
	var o config.Overrides
	if f.fs.Changed("year") {
		o.Year = f.year
	}
	if f.fs.Changed("recreate") {
		o.Recreate = &f.recreate
	}
	if f.fs.Changed("anonymize") {
		o.Anonymize = &f.anonymize
	}
	o.Strategy = f.strategy
	o.PageSize = f.pageSize
	if f.fs.Changed("loglevel") {
		o.LogLevel = f.logLevel
	}
	o.LogFile = f.logFile
	return o
}

// Run parses command-line arguments and loads every selected table in order.
// It returns ErrRunFailed when at least one table run ended in FAILED.
func (a *AppRunner) Run(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			a.Usage(os.Stderr)
			return nil
		}
		logging.Logf(logging.Error, "Failed to parse args: %v", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if flags.help {
		a.Usage(os.Stderr)
		return nil
	}

	logging.SetupLogging(flags.logLevel)
	if err := a.loadEnv(flags); err != nil {
		return err
	}

	if _, err := osStatFunc(flags.config); err != nil {
		if os.IsNotExist(err) {
			logging.Logf(logging.Error, "Config file '%s' not found.", flags.config)
			return ErrConfigNotFound
		}
		return fmt.Errorf("failed to stat config file '%s': %w", flags.config, err)
	}
	cfg, err := config.LoadConfig(flags.config)
	if err != nil {
		logging.Logf(logging.Error, "Error loading/validating config '%s': %v", flags.config, err)
		return err
	}
	if err := config.ApplyOverrides(cfg, flags.overrides()); err != nil {
		logging.Logf(logging.Error, "Invalid command-line overrides: %v", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if !flags.fs.Changed("loglevel") {
		logging.SetupLogging(cfg.Logging.Level)
	}

	if flags.list {
		for _, name := range cfg.TableNames() {
			fmt.Fprintln(a.out, name)
		}
		return nil
	}

	tables, err := selectTables(cfg, flags.tables)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	perTableLog := strings.Contains(cfg.Logging.File, tablePlaceholder)
	if cfg.Logging.File != "" && !perTableLog {
		if err := logging.SetupFile(cfg.Logging.File); err != nil {
			return err
		}
	}
	defer logging.Close()

	setupMetrics(cfg.Metrics)
	defer func() {
		if err := metrics.Flush(); err != nil {
			logging.Logf(logging.Warning, "Failed to flush metrics: %v", err)
		}
		metrics.SetBackend(nil)
	}()

	logging.Logf(logging.Info, "Starting dw-etl with config %s: %d table(s), year %d, source %s, destination %s",
		flags.config, len(tables), cfg.Year, cfg.Source.Type, cfg.Destination.Type)

	var failed []string
	for _, t := range tables {
		if perTableLog {
			if err := logging.SetupFile(strings.ReplaceAll(cfg.Logging.File, tablePlaceholder, t.Name)); err != nil {
				logging.Logf(logging.Warning, "Log file for table '%s' unavailable: %v", t.Name, err)
			}
		}
		sum, err := a.runTable(ctx, cfg, t)
		a.printSummary(sum, err)
		if err != nil {
			failed = append(failed, t.Name)
		}
		if ctx.Err() != nil {
			logging.Logf(logging.Warning, "Interrupted; remaining tables are skipped.")
			break
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrRunFailed, strings.Join(failed, ", "))
	}
	return nil
}

func (a *AppRunner) loadEnv(flags *cliFlags) error {
	if _, err := osStatFunc(flags.envFile); err != nil {
		if flags.fs.Changed("env-file") {
			return fmt.Errorf("%w: env file '%s': %v", ErrUsage, flags.envFile, err)
		}
		logging.Logf(logging.Debug, "No env file at '%s'; using the process environment.", flags.envFile)
		return nil
	}
	if err := loadEnvFunc(flags.envFile); err != nil {
		return fmt.Errorf("failed to load env file '%s': %w", flags.envFile, err)
	}
	logging.Logf(logging.Debug, "Loaded environment from %s", flags.envFile)
	return nil
}

// selectTables returns the named tables in command-line order, or all of them.
func selectTables(cfg *config.ETLConfig, names []string) ([]config.TableConfig, error) {
	if len(names) == 0 {
		return cfg.Tables, nil
	}
	out := make([]config.TableConfig, 0, len(names))
	for _, name := range names {
		t, ok := cfg.Table(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown table '%s' (configured: %s)", name, strings.Join(cfg.TableNames(), ", "))
		}
		out = append(out, t)
	}
	return out, nil
}

func setupMetrics(m config.MetricsConfig) {
	var (
		backend metrics.Backend
		err     error
	)
	switch strings.ToLower(m.Backend) {
	case config.MetricsBackendPrometheus:
		backend, err = newPrometheusBackendFunc(m)
	case config.MetricsBackendDatadog:
		backend, err = newDatadogBackendFunc(m)
	default:
		return
	}
	if err != nil {
		logging.Logf(logging.Warning, "Metrics backend '%s' unavailable, continuing without metrics: %v", m.Backend, err)
		return
	}
	metrics.SetBackend(backend)
	logging.Logf(logging.Info, "Metrics enabled (%s)", m.Backend)
}

// runTable renders one table's templates and drives it through a fresh pipeline run.
func (a *AppRunner) runTable(ctx context.Context, cfg *config.ETLConfig, tc config.TableConfig) (pipeline.Summary, error) {
	rendered, err := config.RenderTable(tc, config.QueryParams{Year: cfg.Year})
	if err != nil {
		return pipeline.Summary{Table: tc.Name, State: pipeline.StateFailed, Err: err}, err
	}
	source, dest := cfg.Source, cfg.Destination
	runner, err := pipeline.NewRunner(pipeline.Options{
		Table: rendered.Descriptor(),
		OpenSource: func(ctx context.Context) (etlio.Source, error) {
			return newSourceFunc(ctx, source)
		},
		OpenSink: func(ctx context.Context) (etlio.Sink, error) {
			return newSinkFunc(ctx, dest)
		},
		Recreate:       rendered.Recreate,
		Anonymize:      cfg.Anonymization.Enabled,
		Strategy:       cfg.Anonymization.Strategy,
		ExistingFilter: rendered.ExistingFilter,
		OnExisting:     rendered.OnExisting,
	})
	if err != nil {
		return pipeline.Summary{Table: tc.Name, State: pipeline.StateFailed, Err: err}, err
	}
	return runner.Run(ctx)
}

const banner = "=================================================="

func (a *AppRunner) printSummary(sum pipeline.Summary, err error) {
	w := a.out
	fmt.Fprintln(w, banner)
	if err != nil {
		fmt.Fprintf(w, " %s: FAILED\n", sum.Table)
		fmt.Fprintf(w, "   error: %v\n", err)
		fmt.Fprintf(w, "   extracted: %d  loaded before failure: %d\n", sum.Extracted, sum.Loaded)
	} else {
		fmt.Fprintf(w, " %s: %s\n", sum.Table, sum.State)
		fmt.Fprintf(w, "   extracted: %d  loaded: %d  destination: %d\n", sum.Extracted, sum.Loaded, sum.DestinationCount)
		fmt.Fprintf(w, "   duplicates: %d  filled: %d  filtered: %d  anonymized: %d\n", sum.Duplicates, sum.Filled, sum.Filtered, sum.Anonymized)
	}
	if sum.RunID != "" {
		fmt.Fprintf(w, "   elapsed: %s  run: %s\n", sum.Elapsed.Round(time.Millisecond), sum.RunID)
	}
	fmt.Fprintln(w, banner)
}
