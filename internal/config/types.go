package config

import (
	"time"

	"dw-etl/internal/model"
)

// Define constants for configuration keys, types, modes etc.
const (
	SourceTypeMSSQL    = "mssql"
	SourceTypePostgres = "postgres"
	SourceTypeSQLite   = "sqlite"

	DestinationTypeClickHouse = "clickhouse"
	DestinationTypePostgres   = "postgres"
	DestinationTypeXLSX       = "xlsx"
	DestinationTypeJSONL      = "jsonl"

	TableKindDimension = "dimension"
	TableKindFact      = "fact"

	OnExistingWarn  = "warn"  // Log the existing row count and load anyway
	OnExistingAbort = "abort" // Fail the run before any batch is loaded

	MetricsBackendNone       = "none"
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendDatadog    = "datadog"

	StrategyHash     = "hash"
	StrategyMask     = "mask"
	StrategyInitials = "initials"
	StrategyGeneric  = "generic"
	StrategyVendedor = "vendedor"

	DefaultLogLevel           = "info"
	DefaultDimensionPageSize  = 50000
	DefaultFactPageSize       = 10000
	DefaultStrategy           = StrategyHash
	DefaultOnExisting         = OnExistingWarn
	DefaultMetricsBackend     = MetricsBackendNone
	DefaultMetricsJob         = "dw-etl"
	DefaultSheetName          = "Sheet1"
	DefaultDialTimeout        = 10 * time.Second
	DefaultClickHouseEngine   = "MergeTree"
	DefaultLoadTimestampName  = "data_carga"
	DefaultClickHousePort     = 9000
	DefaultMSSQLPort          = 1433
	DefaultPostgresPort       = 5432
	DefaultStatsdAddr         = "127.0.0.1:8125"
	DefaultOutputDir          = "out"
	DefaultClickHouseDatabase = "default"
)

// ETLConfig defines the overall structure for the configuration YAML file.
type ETLConfig struct {
	// Logging configuration specifies the verbosity level and optional log file.
	Logging LoggingConfig `yaml:"logging"`
	// Source is the operational database rows are read from.
	Source ConnectionConfig `yaml:"source"`
	// Destination is the analytical store (or export sink) rows are written to.
	Destination ConnectionConfig `yaml:"destination"`
	// Anonymization controls name anonymization for tables that declare an anonymizeColumn.
	Anonymization AnonymizationConfig `yaml:"anonymization"`
	// Metrics selects an optional metrics backend.
	Metrics MetricsConfig `yaml:"metrics"`
	// Year is rendered into query templates as {{ .Year }}. Defaults to the current year.
	Year int `yaml:"year,omitempty"`
	// Tables lists every table this configuration can load. Required.
	Tables []TableConfig `yaml:"tables"`
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	// Level defines the logging detail ("none", "error", "warn", "info", "debug"). Defaults to "info".
	Level string `yaml:"level"`
	// File mirrors log output to a file. "{table}" is replaced by the table being loaded.
	File string `yaml:"file,omitempty"`
}

// ConnectionConfig describes how to reach a database or output location.
// It is passed by value and never mutated once loaded.
type ConnectionConfig struct {
	// Type selects the driver: mssql, postgres, sqlite for sources;
	// clickhouse, postgres, xlsx, jsonl for destinations. Required.
	Type string `yaml:"type"`
	// DSN overrides the individual fields below when set. Environment variables are expanded.
	DSN      string `yaml:"dsn,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`
	// Params are appended to the generated DSN as query parameters (e.g. encrypt: disable).
	Params map[string]string `yaml:"params,omitempty"`
	// Dir is the output directory for file-based destinations (xlsx, jsonl).
	Dir string `yaml:"dir,omitempty"`
	// SheetName is the worksheet used by the xlsx destination. Defaults to "Sheet1".
	SheetName string `yaml:"sheetName,omitempty"`
	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
}

// AnonymizationConfig holds the run-wide anonymization switch and strategy.
type AnonymizationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Strategy string `yaml:"strategy,omitempty"`
}

// MetricsConfig selects and configures the metrics backend.
type MetricsConfig struct {
	// Backend is one of "none" (default), "prometheus" or "datadog".
	Backend string `yaml:"backend,omitempty"`
	// PushgatewayURL is required for the prometheus backend.
	PushgatewayURL string `yaml:"pushgatewayUrl,omitempty"`
	// Job is the Pushgateway job name. Defaults to "dw-etl".
	Job string `yaml:"job,omitempty"`
	// StatsdAddr is the DogStatsD address for the datadog backend.
	StatsdAddr string `yaml:"statsdAddr,omitempty"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace,omitempty"`
	// Tags are attached to every datadog metric ("key:value").
	Tags []string `yaml:"tags,omitempty"`
}

// TableConfig describes one table to extract and load.
type TableConfig struct {
	// Name of the destination table. Required and unique.
	Name string `yaml:"name"`
	// Kind is "dimension" (default) or "fact"; it only selects the default page size.
	Kind string `yaml:"kind,omitempty"`
	// Query is the extraction SELECT without ORDER BY or paging. {{ .Year }} is rendered. Required.
	Query string `yaml:"query"`
	// CountQuery counts the rows Query returns. Required when Query starts with a CTE.
	CountQuery string `yaml:"countQuery,omitempty"`
	// Key is the natural key; it is also the pagination ordering. Required.
	Key []string `yaml:"key"`
	// PageSize is the number of rows per batch.
	PageSize int64 `yaml:"pageSize,omitempty"`
	// Columns declares the destination columns and their types. Required.
	Columns []model.Column `yaml:"columns"`
	// AnonymizeColumn names the string column anonymized when anonymization is enabled.
	AnonymizeColumn string `yaml:"anonymizeColumn,omitempty"`
	// Filter is an optional govaluate expression; rows for which it is false are dropped.
	Filter string `yaml:"filter,omitempty"`
	// Engine, PartitionBy and OrderBy shape the ClickHouse DDL.
	Engine      string   `yaml:"engine,omitempty"`
	PartitionBy string   `yaml:"partitionBy,omitempty"`
	OrderBy     []string `yaml:"orderBy,omitempty"`
	// LoadTimestamp names the load time column added by the sink. Defaults to "data_carga"; "-" disables it.
	LoadTimestamp string `yaml:"loadTimestamp,omitempty"`
	// Recreate drops the destination table before creating it.
	Recreate bool `yaml:"recreate,omitempty"`
	// ExistingFilter is a destination WHERE clause counting rows this run would duplicate.
	ExistingFilter string `yaml:"existingFilter,omitempty"`
	// OnExisting is "warn" (default) or "abort".
	OnExisting string `yaml:"onExisting,omitempty"`
}

// Descriptor converts the table configuration into the model used by the pipeline.
// Query templates must already be rendered.
func (t TableConfig) Descriptor() model.Table {
	loadTS := t.LoadTimestamp
	if loadTS == "-" {
		loadTS = ""
	}
	return model.Table{
		Name:            t.Name,
		Query:           t.Query,
		CountQuery:      t.CountQuery,
		Key:             append([]string(nil), t.Key...),
		PageSize:        t.PageSize,
		Columns:         append([]model.Column(nil), t.Columns...),
		AnonymizeColumn: t.AnonymizeColumn,
		Filter:          t.Filter,
		Engine:          t.Engine,
		PartitionBy:     t.PartitionBy,
		OrderBy:         append([]string(nil), t.OrderBy...),
		LoadTimestamp:   loadTS,
	}
}

// Table returns the table named name.
func (c *ETLConfig) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// TableNames returns the configured table names in file order.
func (c *ETLConfig) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}
