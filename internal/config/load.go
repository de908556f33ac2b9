package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"dw-etl/internal/util"

	"gopkg.in/yaml.v3"
)

// nowFunc is the clock used for the default year; tests may override it.
var nowFunc = time.Now

// LoadConfig reads, parses, and validates the YAML configuration file.
// Environment variables in connection settings are expanded and defaults are
// applied before validation.
func LoadConfig(filename string) (*ETLConfig, error) {
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filename, err)
	}
	return ParseConfig(fileBytes, filename)
}

// ParseConfig is LoadConfig for configuration already in memory. name is only used in messages.
func ParseConfig(data []byte, name string) (*ETLConfig, error) {
	var config ETLConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in '%s': %w", name, err)
	}

	expandConnection(&config.Source)
	expandConnection(&config.Destination)
	config.Logging.File = util.ExpandEnvUniversal(config.Logging.File)
	config.Metrics.PushgatewayURL = util.ExpandEnvUniversal(config.Metrics.PushgatewayURL)
	config.Metrics.StatsdAddr = util.ExpandEnvUniversal(config.Metrics.StatsdAddr)

	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func expandConnection(c *ConnectionConfig) {
	c.DSN = util.ExpandEnvUniversal(c.DSN)
	c.Host = util.ExpandEnvUniversal(c.Host)
	c.User = util.ExpandEnvUniversal(c.User)
	c.Password = util.ExpandEnvUniversal(c.Password)
	c.Database = util.ExpandEnvUniversal(c.Database)
	c.Dir = util.ExpandEnvUniversal(c.Dir)
	for k, v := range c.Params {
		c.Params[k] = util.ExpandEnvUniversal(v)
	}
}

// applyDefaults sets default values for various configuration sections.
func applyDefaults(cfg *ETLConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Year == 0 {
		cfg.Year = nowFunc().Year()
	}
	if cfg.Anonymization.Strategy == "" {
		cfg.Anonymization.Strategy = DefaultStrategy
	}
	if cfg.Metrics.Backend == "" {
		cfg.Metrics.Backend = DefaultMetricsBackend
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = DefaultMetricsJob
	}
	if cfg.Metrics.Backend == MetricsBackendDatadog && cfg.Metrics.StatsdAddr == "" {
		cfg.Metrics.StatsdAddr = DefaultStatsdAddr
	}

	applyConnectionDefaults(&cfg.Source)
	applyConnectionDefaults(&cfg.Destination)

	for i := range cfg.Tables {
		applyTableDefaults(&cfg.Tables[i])
	}
}

func applyConnectionDefaults(c *ConnectionConfig) {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DSN != "" {
		return
	}
	switch c.Type {
	case SourceTypeMSSQL:
		if c.Port == 0 {
			c.Port = DefaultMSSQLPort
		}
	case DestinationTypeClickHouse:
		if c.Port == 0 {
			c.Port = DefaultClickHousePort
		}
		if c.Database == "" {
			c.Database = DefaultClickHouseDatabase
		}
	case SourceTypePostgres:
		if c.Port == 0 {
			c.Port = DefaultPostgresPort
		}
	case DestinationTypeXLSX, DestinationTypeJSONL:
		if c.Dir == "" {
			c.Dir = DefaultOutputDir
		}
		if c.Type == DestinationTypeXLSX && c.SheetName == "" {
			c.SheetName = DefaultSheetName
		}
	}
}

func applyTableDefaults(t *TableConfig) {
	if t.Kind == "" {
		t.Kind = TableKindDimension
	}
	if t.PageSize == 0 {
		if t.Kind == TableKindFact {
			t.PageSize = DefaultFactPageSize
		} else {
			t.PageSize = DefaultDimensionPageSize
		}
	}
	if t.Engine == "" {
		t.Engine = DefaultClickHouseEngine
	}
	if len(t.OrderBy) == 0 {
		t.OrderBy = append([]string(nil), t.Key...)
	}
	if t.LoadTimestamp == "" {
		t.LoadTimestamp = DefaultLoadTimestampName
	}
	if t.OnExisting == "" {
		t.OnExisting = DefaultOnExisting
	}
	for i := range t.Columns {
		t.Columns[i].Type = modelType(t.Columns[i].Type)
	}
}

// QueryParams are the values available to query templates.
type QueryParams struct {
	Year  int
	Table string
}

// RenderTable returns a copy of t with Query, CountQuery and ExistingFilter rendered.
func RenderTable(t TableConfig, params QueryParams) (TableConfig, error) {
	params.Table = t.Name
	var err error
	if t.Query, err = renderTemplate(t.Name+".query", t.Query, params); err != nil {
		return t, err
	}
	if t.CountQuery, err = renderTemplate(t.Name+".countQuery", t.CountQuery, params); err != nil {
		return t, err
	}
	if t.ExistingFilter, err = renderTemplate(t.Name+".existingFilter", t.ExistingFilter, params); err != nil {
		return t, err
	}
	return t, nil
}

func renderTemplate(name, text string, params QueryParams) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Overrides carries command-line values that take precedence over the file.
// Nil pointers and empty values leave the file setting untouched.
type Overrides struct {
	Year      int
	Recreate  *bool
	Anonymize *bool
	Strategy  string
	PageSize  int64
	LogLevel  string
	LogFile   string
}

// ApplyOverrides merges o into cfg and re-validates it.
func ApplyOverrides(cfg *ETLConfig, o Overrides) error {
	if o.Year != 0 {
		cfg.Year = o.Year
	}
	if o.Anonymize != nil {
		cfg.Anonymization.Enabled = *o.Anonymize
	}
	if o.Strategy != "" {
		cfg.Anonymization.Strategy = o.Strategy
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.Logging.File = o.LogFile
	}
	for i := range cfg.Tables {
		if o.Recreate != nil {
			cfg.Tables[i].Recreate = *o.Recreate
		}
		if o.PageSize != 0 {
			cfg.Tables[i].PageSize = o.PageSize
		}
	}
	return ValidateConfig(cfg)
}
