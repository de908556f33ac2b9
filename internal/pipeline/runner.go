// Package pipeline runs one table through extract, normalize, anonymize and
// load, one batch at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dw-etl/internal/anonymize"
	"dw-etl/internal/extract"
	etlio "dw-etl/internal/io"
	"dw-etl/internal/load"
	"dw-etl/internal/logging"
	"dw-etl/internal/metrics"
	"dw-etl/internal/model"
	"dw-etl/internal/processor"

	"github.com/google/uuid"
)

// nowFunc allows tests to control elapsed time.
var nowFunc = time.Now

// OnExisting policies for rows already matching Options.ExistingFilter.
const (
	OnExistingWarn  = "warn"
	OnExistingAbort = "abort"
)

// SourceOpener opens the operational database.
type SourceOpener func(ctx context.Context) (etlio.Source, error)

// SinkOpener opens the destination.
type SinkOpener func(ctx context.Context) (etlio.Sink, error)

// Options configures one run.
type Options struct {
	Table      model.Table
	OpenSource SourceOpener
	OpenSink   SinkOpener
	// Recreate drops the destination table before loading.
	Recreate bool
	// Anonymize enables anonymization of Table.AnonymizeColumn.
	Anonymize bool
	Strategy  string
	// ExistingFilter counts destination rows this run would duplicate; empty skips the check.
	ExistingFilter string
	OnExisting     string
	// Registry is used for anonymization; nil creates a fresh one for the run.
	Registry *anonymize.Registry
}

// RunState is the mutable state owned by a single run.
type RunState struct {
	Extracted  int64
	Loaded     int64
	Batches    int64
	Duplicates int64
	Filled     int64
	Filtered   int64
	Anonymized int64
	Degraded   int64
	Registry   *anonymize.Registry
}

// Summary reports how a run ended.
type Summary struct {
	RunID            string
	Table            string
	State            State
	Extracted        int64
	Loaded           int64
	Batches          int64
	Duplicates       int64
	Filled           int64
	Filtered         int64
	Anonymized       int64
	DestinationCount int64
	// Existing is the number of destination rows matching the existing-data filter before loading.
	Existing int64
	Elapsed  time.Duration
	Err      error
}

// Runner drives one table from CONNECTING to DONE or FAILED. A Runner runs once.
type Runner struct {
	opts    Options
	runID   string
	state   State
	history []State
	run     RunState
}

// NewRunner checks opts and returns a Runner in INIT.
func NewRunner(opts Options) (*Runner, error) {
	if opts.OpenSource == nil || opts.OpenSink == nil {
		return nil, errors.New("pipeline: source and sink openers are required")
	}
	if opts.Table.Name == "" {
		return nil, errors.New("pipeline: table name is required")
	}
	if len(opts.Table.Key) == 0 {
		return nil, fmt.Errorf("pipeline: table '%s': %w", opts.Table.Name, extract.ErrNoOrderKey)
	}
	if opts.Table.PageSize < 1 {
		return nil, fmt.Errorf("pipeline: table '%s': page size must be at least 1", opts.Table.Name)
	}
	reg := opts.Registry
	if reg == nil {
		reg = anonymize.NewRegistry()
	}
	return &Runner{
		opts:    opts,
		runID:   uuid.NewString(),
		state:   StateInit,
		history: []State{StateInit},
		run:     RunState{Registry: reg},
	}, nil
}

// RunID identifies this run in logs and summaries.
func (r *Runner) RunID() string { return r.runID }

// State returns the current state.
func (r *Runner) State() State { return r.state }

// History returns every state the run has been in, in order.
func (r *Runner) History() []State { return append([]State(nil), r.history...) }

// RunState returns a copy of the run counters.
func (r *Runner) RunState() RunState { return r.run }

func (r *Runner) transition(to State) {
	if !CanTransition(r.state, to) {
		logging.Logf(logging.Error, "Pipeline: illegal transition %s -> %s ignored", r.state, to)
		return
	}
	logging.Logw(logging.Debug, "State change", "run_id", r.runID, "table", r.opts.Table.Name, "from", r.state.String(), "to", to.String())
	r.state = to
	r.history = append(r.history, to)
}

func (r *Runner) log(level int, msg string, keyvals ...interface{}) {
	kv := append([]interface{}{"run_id", r.runID, "table", r.opts.Table.Name}, keyvals...)
	logging.Logw(level, msg, kv...)
}

// Run executes the pipeline. The returned error is a *StageError when the run failed.
// Source and sink are closed exactly once before Run returns.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if r.state != StateInit {
		return Summary{}, errors.New("pipeline: runner already used")
	}
	start := nowFunc()
	table := r.opts.Table
	sum := Summary{RunID: r.runID, Table: table.Name}
	r.log(logging.Info, "Run started", "page_size", table.PageSize, "recreate", r.opts.Recreate, "anonymize", r.opts.Anonymize)

	var (
		src       etlio.Source
		sink      etlio.Sink
		closeOnce sync.Once
		sinkErr   error
		err       error
	)
	release := func() {
		closeOnce.Do(func() {
			if src != nil {
				if cerr := src.Close(); cerr != nil {
					r.log(logging.Warning, "Closing source failed", "error", cerr.Error())
				}
			}
			if sink != nil {
				sinkErr = sink.Close()
			}
		})
	}
	defer release()

	finish := func(stageErr *StageError) (Summary, error) {
		release()
		if stageErr != nil && sinkErr != nil {
			r.log(logging.Warning, "Closing destination failed", "error", sinkErr.Error())
		}
		r.fillSummary(&sum, start)
		if stageErr != nil {
			r.transition(StateFailed)
			sum.State = StateFailed
			sum.Err = stageErr
			r.log(logging.Error, "Run failed", "stage", string(stageErr.Stage), "offset", stageErr.Offset, "error", stageErr.Err.Error())
			return sum, stageErr
		}
		sum.State = r.state
		return sum, nil
	}

	// CONNECTING: the sink is not touched when the source cannot be opened.
	r.transition(StateConnecting)
	stepStart := time.Now()
	src, err = r.opts.OpenSource(ctx)
	if err == nil {
		sink, err = r.opts.OpenSink(ctx)
	}
	metrics.RecordStep(table.Name, string(StageConnect), err, time.Since(stepStart))
	if err != nil {
		return finish(&StageError{Stage: StageConnect, Offset: -1, Err: err})
	}

	writer := load.NewWriter(sink, table)
	stepStart = time.Now()
	err = writer.EnsureSchema(ctx, r.opts.Recreate)
	metrics.RecordStep(table.Name, string(StageSchema), err, time.Since(stepStart))
	if err != nil {
		return finish(&StageError{Stage: StageSchema, Offset: -1, Err: err})
	}
	r.transition(StateSchemaReady)

	if stageErr := r.precheck(ctx, writer, &sum); stageErr != nil {
		return finish(stageErr)
	}

	reader, err := extract.NewReader(src, extract.Query{Select: table.Query, Count: table.CountQuery, OrderBy: table.Key}, table.PageSize)
	if err != nil {
		return finish(&StageError{Stage: StageExtract, Offset: -1, Err: err})
	}
	normalizer, err := processor.NewNormalizer(table)
	if err != nil {
		return finish(&StageError{Stage: StageNormalize, Offset: -1, Err: err})
	}
	var anon *anonymize.Anonymizer
	if r.opts.Anonymize && table.AnonymizeColumn != "" {
		anon = anonymize.New(r.opts.Strategy, r.run.Registry)
		r.log(logging.Info, "Anonymization enabled", "column", table.AnonymizeColumn, "strategy", string(anon.Strategy()))
	}

	r.transition(StateExtracting)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return finish(&StageError{Stage: StageExtract, Offset: reader.Offset(), Err: cerr})
		}
		stepStart = time.Now()
		if !reader.Next(ctx) {
			break
		}
		metrics.RecordStep(table.Name, string(StageExtract), nil, time.Since(stepStart))
		b := reader.Batch()
		if b.Len() == 0 {
			r.log(logging.Debug, "Skipping empty batch", "offset", b.Offset)
			continue
		}
		if stageErr := r.processBatch(ctx, b, normalizer, anon, writer, reader.Total()); stageErr != nil {
			return finish(stageErr)
		}
	}
	if rerr := reader.Err(); rerr != nil {
		metrics.RecordStep(table.Name, string(StageExtract), rerr, time.Since(stepStart))
		return finish(&StageError{Stage: StageExtract, Offset: reader.Offset(), Err: rerr})
	}

	r.transition(StateVerifying)
	stepStart = time.Now()
	n, err := writer.Count(ctx)
	metrics.RecordStep(table.Name, string(StageVerify), err, time.Since(stepStart))
	if err != nil {
		return finish(&StageError{Stage: StageVerify, Offset: -1, Err: err})
	}
	sum.DestinationCount = n
	if n != r.run.Loaded {
		r.log(logging.Info, "Destination count differs from rows loaded by this run", "destination", n, "loaded", r.run.Loaded)
	}
	// File sinks write on Close, so a close failure means the load did not land.
	release()
	if sinkErr != nil {
		return finish(&StageError{Stage: StageLoad, Offset: -1, Err: fmt.Errorf("flush destination: %w", sinkErr)})
	}
	r.transition(StateDone)
	return finish(nil)
}

// processBatch runs one non-empty batch through normalize, anonymize and load.
func (r *Runner) processBatch(ctx context.Context, b model.Batch, n *processor.Normalizer, anon *anonymize.Anonymizer, w *load.Writer, total int64) *StageError {
	table := r.opts.Table.Name
	r.run.Extracted += int64(b.Len())
	metrics.RecordRows(table, "extracted", int64(b.Len()))

	stepStart := time.Now()
	res, err := n.Normalize(b)
	metrics.RecordStep(table, string(StageNormalize), err, time.Since(stepStart))
	if err != nil {
		return &StageError{Stage: StageNormalize, Offset: b.Offset, Err: err}
	}
	r.run.Duplicates += int64(res.Duplicates)
	r.run.Filled += int64(res.Filled())
	r.run.Filtered += int64(res.Filtered)
	metrics.RecordRows(table, "duplicates", int64(res.Duplicates))
	metrics.RecordRows(table, "filled", int64(res.Filled()))
	metrics.RecordRows(table, "filtered", int64(res.Filtered))

	if anon != nil {
		stepStart = time.Now()
		before := anon.Degraded()
		replaced := anon.Apply(res.Batch, r.opts.Table.AnonymizeColumn)
		metrics.RecordStep(table, string(StageAnonymize), nil, time.Since(stepStart))
		r.run.Anonymized += int64(replaced)
		r.run.Degraded += int64(anon.Degraded() - before)
		metrics.RecordRows(table, "anonymized", int64(replaced))
	}

	r.transition(StateLoading)
	stepStart = time.Now()
	err = w.Append(ctx, res.Batch)
	metrics.RecordStep(table, string(StageLoad), err, time.Since(stepStart))
	if err != nil {
		return &StageError{Stage: StageLoad, Offset: b.Offset, Err: err}
	}
	loaded := int64(res.Batch.Len())
	r.run.Loaded += loaded
	r.run.Batches++
	metrics.RecordRows(table, "loaded", loaded)
	metrics.RecordBatches(table, 1)
	r.log(logging.Info, "Batch loaded",
		"offset", b.Offset,
		"batch_rows", b.Len(),
		"loaded_rows", loaded,
		"extracted_total", r.run.Extracted,
		"loaded_total", r.run.Loaded,
		"source_total", total,
	)
	r.transition(StateExtracting)
	return nil
}

// precheck counts destination rows matching the existing-data filter.
// Sinks that cannot count with a filter skip the check with a warning.
func (r *Runner) precheck(ctx context.Context, w *load.Writer, sum *Summary) *StageError {
	filter := strings.TrimSpace(r.opts.ExistingFilter)
	if filter == "" || r.opts.Recreate {
		return nil
	}
	n, err := w.CountWhere(ctx, filter)
	if err != nil {
		if errors.Is(err, etlio.ErrUnsupported) {
			r.log(logging.Warning, "Destination cannot check for existing rows; skipping check", "filter", filter)
		} else {
			r.log(logging.Warning, "Existing-row check failed; continuing", "filter", filter, "error", err.Error())
		}
		return nil
	}
	sum.Existing = n
	if n == 0 {
		return nil
	}
	if strings.EqualFold(r.opts.OnExisting, OnExistingAbort) {
		return &StageError{Stage: StagePrecheck, Offset: -1, Err: fmt.Errorf("%d rows match '%s'; rerun with recreate or remove them first", n, filter)}
	}
	r.log(logging.Warning, "Destination already holds rows for this load; they may be duplicated", "existing", n, "filter", filter)
	return nil
}

func (r *Runner) fillSummary(sum *Summary, start time.Time) {
	sum.Extracted = r.run.Extracted
	sum.Loaded = r.run.Loaded
	sum.Batches = r.run.Batches
	sum.Duplicates = r.run.Duplicates
	sum.Filled = r.run.Filled
	sum.Filtered = r.run.Filtered
	sum.Anonymized = r.run.Anonymized
	sum.Elapsed = nowFunc().Sub(start)
}
