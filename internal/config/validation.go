package config

import (
	"fmt"
	"regexp"
	"strings"

	"dw-etl/internal/logging"
	"dw-etl/internal/model"

	"github.com/Knetic/govaluate"
)

// Define known valid enum values for configuration fields.
var (
	knownLogLevels        = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownSourceTypes      = []string{SourceTypeMSSQL, SourceTypePostgres, SourceTypeSQLite}
	knownDestinationTypes = []string{DestinationTypeClickHouse, DestinationTypePostgres, DestinationTypeXLSX, DestinationTypeJSONL}
	knownTableKinds       = []string{TableKindDimension, TableKindFact}
	knownOnExisting       = []string{OnExistingWarn, OnExistingAbort}
	knownMetricsBackends  = []string{MetricsBackendNone, MetricsBackendPrometheus, MetricsBackendDatadog}
	knownStrategies       = []string{StrategyHash, StrategyMask, StrategyInitials, StrategyGeneric, StrategyVendedor}
)

// typeAliases maps accepted spellings onto column types.
var typeAliases = map[string]model.ColumnType{
	"int":       model.TypeInt64,
	"integer":   model.TypeInt64,
	"float":     model.TypeFloat64,
	"double":    model.TypeFloat64,
	"text":      model.TypeString,
	"varchar":   model.TypeString,
	"timestamp": model.TypeDateTime,
}

// identifierRegex accepts plain SQL identifiers, optionally schema-qualified.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// cteRegex detects queries that cannot be wrapped in a derived table for counting.
var cteRegex = regexp.MustCompile(`(?is)^\s*;?\s*with\s`)

func modelType(t model.ColumnType) model.ColumnType {
	s := strings.ToLower(strings.TrimSpace(string(t)))
	if alias, ok := typeAliases[s]; ok {
		return alias
	}
	return model.ColumnType(s)
}

// isValidEnumValue checks if a value is present in a list of allowed string values (case-insensitive).
func isValidEnumValue(value string, allowedValues []string) bool {
	lowerValue := strings.ToLower(value)
	for _, allowed := range allowedValues {
		if lowerValue == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// ValidateConfig performs validation of the entire configuration and reports every problem at once.
func ValidateConfig(cfg *ETLConfig) error {
	var allErrors []string

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}
	if cfg.Year < 1900 || cfg.Year > 9999 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Year: %d is out of range", cfg.Year))
	}

	allErrors = append(allErrors, validateSource("Config.Source", cfg.Source)...)
	allErrors = append(allErrors, validateDestination("Config.Destination", cfg.Destination)...)
	allErrors = append(allErrors, validateAnonymization("Config.Anonymization", cfg.Anonymization)...)
	allErrors = append(allErrors, validateMetrics("Config.Metrics", cfg.Metrics)...)

	if len(cfg.Tables) == 0 {
		allErrors = append(allErrors, "- Config.Tables: at least one table is required")
	}
	seen := make(map[string]bool, len(cfg.Tables))
	for i, t := range cfg.Tables {
		prefix := fmt.Sprintf("Config.Tables[%d]", i)
		if t.Name != "" {
			if seen[t.Name] {
				allErrors = append(allErrors, fmt.Sprintf("- %s.Name: duplicate table name '%s'", prefix, t.Name))
			}
			seen[t.Name] = true
		}
		allErrors = append(allErrors, validateTable(prefix, t, cfg.Source.Type)...)
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	logging.Logf(logging.Debug, "Configuration validation successful.")
	return nil
}

func validateSource(prefix string, c ConnectionConfig) []string {
	var errs []string
	if c.Type == "" {
		return append(errs, fmt.Sprintf("- %s.Type: is required", prefix))
	}
	if !isValidEnumValue(c.Type, knownSourceTypes) {
		return append(errs, fmt.Sprintf("- %s.Type: invalid source type '%s', must be one of %v", prefix, c.Type, knownSourceTypes))
	}
	if c.DSN != "" {
		return errs
	}
	switch c.Type {
	case SourceTypeSQLite:
		if c.Database == "" {
			errs = append(errs, fmt.Sprintf("- %s.Database: is required for source type 'sqlite' (file path or :memory:)", prefix))
		}
	default:
		if c.Host == "" {
			errs = append(errs, fmt.Sprintf("- %s.Host: is required for source type '%s' when dsn is not set", prefix, c.Type))
		}
		if c.Database == "" {
			errs = append(errs, fmt.Sprintf("- %s.Database: is required for source type '%s' when dsn is not set", prefix, c.Type))
		}
	}
	errs = append(errs, validatePort(prefix, c.Port)...)
	return errs
}

func validateDestination(prefix string, c ConnectionConfig) []string {
	var errs []string
	if c.Type == "" {
		return append(errs, fmt.Sprintf("- %s.Type: is required", prefix))
	}
	if !isValidEnumValue(c.Type, knownDestinationTypes) {
		return append(errs, fmt.Sprintf("- %s.Type: invalid destination type '%s', must be one of %v", prefix, c.Type, knownDestinationTypes))
	}
	switch c.Type {
	case DestinationTypeXLSX, DestinationTypeJSONL:
		if c.Dir == "" {
			errs = append(errs, fmt.Sprintf("- %s.Dir: is required for destination type '%s'", prefix, c.Type))
		}
		if c.Host != "" || c.DSN != "" {
			logging.Logf(logging.Warning, "Validation: %s.Host/DSN is specified but will be ignored for destination type '%s'", prefix, c.Type)
		}
		if c.Type == DestinationTypeXLSX {
			if err := validateSheetName(c.SheetName, prefix+".SheetName"); err != nil {
				errs = append(errs, err.Error())
			}
		}
	default:
		if c.DSN == "" && c.Host == "" {
			errs = append(errs, fmt.Sprintf("- %s.Host: is required for destination type '%s' when dsn is not set", prefix, c.Type))
		}
		if c.DSN == "" {
			errs = append(errs, validatePort(prefix, c.Port)...)
		}
		if c.Dir != "" {
			logging.Logf(logging.Warning, "Validation: %s.Dir is specified but will be ignored for destination type '%s'", prefix, c.Type)
		}
	}
	return errs
}

func validatePort(prefix string, port int) []string {
	if port < 0 || port > 65535 {
		return []string{fmt.Sprintf("- %s.Port: %d is out of range", prefix, port)}
	}
	return nil
}

func validateAnonymization(prefix string, a AnonymizationConfig) []string {
	// Unknown strategies fall back to hash at run time, so they only warn here.
	if !isValidEnumValue(a.Strategy, knownStrategies) {
		logging.Logf(logging.Warning, "Validation: %s.Strategy '%s' is unknown; '%s' will be used", prefix, a.Strategy, StrategyHash)
	}
	return nil
}

func validateMetrics(prefix string, m MetricsConfig) []string {
	var errs []string
	if !isValidEnumValue(m.Backend, knownMetricsBackends) {
		return append(errs, fmt.Sprintf("- %s.Backend: invalid backend '%s', must be one of %v", prefix, m.Backend, knownMetricsBackends))
	}
	switch strings.ToLower(m.Backend) {
	case MetricsBackendPrometheus:
		if m.PushgatewayURL == "" {
			errs = append(errs, fmt.Sprintf("- %s.PushgatewayURL: is required for backend 'prometheus'", prefix))
		}
	case MetricsBackendDatadog:
		if m.StatsdAddr == "" {
			errs = append(errs, fmt.Sprintf("- %s.StatsdAddr: is required for backend 'datadog'", prefix))
		}
	}
	return errs
}

func validateTable(prefix string, t TableConfig, sourceType string) []string {
	var errs []string
	if t.Name == "" {
		errs = append(errs, fmt.Sprintf("- %s.Name: is required", prefix))
	} else if !identifierRegex.MatchString(t.Name) {
		errs = append(errs, fmt.Sprintf("- %s.Name: '%s' is not a valid table identifier", prefix, t.Name))
	}
	if !isValidEnumValue(t.Kind, knownTableKinds) {
		errs = append(errs, fmt.Sprintf("- %s.Kind: invalid kind '%s', must be one of %v", prefix, t.Kind, knownTableKinds))
	}
	if strings.TrimSpace(t.Query) == "" {
		errs = append(errs, fmt.Sprintf("- %s.Query: is required", prefix))
	} else if t.CountQuery == "" && cteRegex.MatchString(t.Query) && sourceType == SourceTypeMSSQL {
		errs = append(errs, fmt.Sprintf("- %s.CountQuery: is required when the query starts with a common table expression", prefix))
	}
	if t.PageSize < 1 {
		errs = append(errs, fmt.Sprintf("- %s.PageSize: must be at least 1, got %d", prefix, t.PageSize))
	}
	if !isValidEnumValue(t.OnExisting, knownOnExisting) {
		errs = append(errs, fmt.Sprintf("- %s.OnExisting: invalid value '%s', must be one of %v", prefix, t.OnExisting, knownOnExisting))
	}

	if len(t.Columns) == 0 {
		errs = append(errs, fmt.Sprintf("- %s.Columns: at least one column is required", prefix))
	}
	columns := make(map[string]model.Column, len(t.Columns))
	for i, c := range t.Columns {
		cprefix := fmt.Sprintf("%s.Columns[%d]", prefix, i)
		if c.Name == "" {
			errs = append(errs, fmt.Sprintf("- %s.Name: is required", cprefix))
			continue
		}
		if !identifierRegex.MatchString(c.Name) || strings.Contains(c.Name, ".") {
			errs = append(errs, fmt.Sprintf("- %s.Name: '%s' is not a valid column identifier", cprefix, c.Name))
		}
		if _, dup := columns[c.Name]; dup {
			errs = append(errs, fmt.Sprintf("- %s.Name: duplicate column '%s'", cprefix, c.Name))
		}
		columns[c.Name] = c
		if !c.Type.Valid() {
			errs = append(errs, fmt.Sprintf("- %s.Type: invalid type '%s'", cprefix, c.Type))
		}
		if c.Type == model.TypeDecimal {
			if c.Precision < 1 || c.Precision > 76 {
				errs = append(errs, fmt.Sprintf("- %s.Precision: must be between 1 and 76 for decimal columns", cprefix))
			}
			if c.Scale < 0 || c.Scale > c.Precision {
				errs = append(errs, fmt.Sprintf("- %s.Scale: must be between 0 and precision", cprefix))
			}
		}
		if t.LoadTimestamp != "-" && c.Name == t.LoadTimestamp {
			errs = append(errs, fmt.Sprintf("- %s.Name: '%s' collides with the load timestamp column", cprefix, c.Name))
		}
	}

	if len(t.Key) == 0 {
		errs = append(errs, fmt.Sprintf("- %s.Key: at least one key column is required (it orders pagination)", prefix))
	}
	for i, k := range t.Key {
		if _, ok := columns[k]; !ok {
			errs = append(errs, fmt.Sprintf("- %s.Key[%d]: '%s' is not a declared column", prefix, i, k))
		}
	}
	for i, o := range t.OrderBy {
		if _, ok := columns[o]; !ok {
			errs = append(errs, fmt.Sprintf("- %s.OrderBy[%d]: '%s' is not a declared column", prefix, i, o))
		}
	}
	if t.AnonymizeColumn != "" {
		c, ok := columns[t.AnonymizeColumn]
		if !ok {
			errs = append(errs, fmt.Sprintf("- %s.AnonymizeColumn: '%s' is not a declared column", prefix, t.AnonymizeColumn))
		} else if c.Type != model.TypeString {
			errs = append(errs, fmt.Sprintf("- %s.AnonymizeColumn: '%s' must be a string column", prefix, t.AnonymizeColumn))
		}
	}
	if t.Filter != "" {
		if _, err := govaluate.NewEvaluableExpression(t.Filter); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.Filter: invalid expression syntax: %v", prefix, err))
		}
	}
	return errs
}

// validateSheetName checks if an Excel sheet name is valid according to Excel limitations.
func validateSheetName(sheetName, fieldName string) error {
	if sheetName == "" {
		return fmt.Errorf("- %s: sheet name cannot be empty", fieldName)
	}
	if len([]rune(sheetName)) > 31 {
		return fmt.Errorf("- %s: '%s' exceeds maximum length of 31 characters", fieldName, sheetName)
	}
	if strings.ContainsAny(sheetName, `:\/?*[]`) {
		return fmt.Errorf("- %s: '%s' contains invalid characters (: \\ / ? * [ ])", fieldName, sheetName)
	}
	if strings.HasPrefix(sheetName, "'") || strings.HasSuffix(sheetName, "'") {
		return fmt.Errorf("- %s: '%s' cannot start or end with a single quote", fieldName, sheetName)
	}
	return nil
}
