package io

import (
	"context"
	"fmt"
	"strings"

	"dw-etl/internal/config"
	"dw-etl/internal/logging"
)

// NewSource opens the Source described by cfg.
func NewSource(ctx context.Context, cfg config.ConnectionConfig) (Source, error) {
	sourceType := strings.ToLower(cfg.Type)
	logging.Logf(logging.Debug, "Creating source for type: %s", sourceType)

	switch sourceType {
	case config.SourceTypeMSSQL:
		src, err := OpenMSSQLSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceTypeSQLite:
		src, err := OpenSQLiteSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceTypePostgres:
		src, err := OpenPostgresSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported source type '%s'", cfg.Type)
	}
}

// NewSink opens the Sink described by cfg.
func NewSink(ctx context.Context, cfg config.ConnectionConfig) (Sink, error) {
	destType := strings.ToLower(cfg.Type)
	logging.Logf(logging.Debug, "Creating sink for type: %s", destType)

	switch destType {
	case config.DestinationTypeClickHouse:
		sink, err := OpenClickHouseSink(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.DestinationTypePostgres:
		sink, err := OpenPostgresSink(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.DestinationTypeXLSX:
		sink, err := NewXLSXSink(cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.DestinationTypeJSONL:
		sink, err := NewJSONLSink(cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unsupported destination type '%s'", cfg.Type)
	}
}
