// Package pipeline runs the hourly batch for one dataset kind.
//
// For every raw partition, oldest first, the runner extracts the kind's files,
// validates the records, quarantines rejections, loads valid records
// insert-if-absent, writes them to the processed tree, records a statistic and
// finally archives the source files. A partition is archived only after all of
// that succeeded, so a failed run leaves it in place for the next attempt.
// Processed output, statistic and archiving share one hold of the partition lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/retail-pipeline/etl/internal/archive"
	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/partition"
	"github.com/retail-pipeline/etl/internal/validation"
)

const runLockPrefix = "run:"

var (
	// ErrStoreFailed is returned when the relational store fails; the current partition is left unarchived.
	ErrStoreFailed = errors.New("store operation failed")

	// ErrRunInProgress is returned when another run of the same kind holds the run lock.
	ErrRunInProgress = errors.New("a run of this dataset kind is already in progress")

	// ErrExtractFailed is returned when a raw dataset file cannot be read.
	ErrExtractFailed = errors.New("extract failed")

	// ErrOutputFailed is returned when processed output cannot be written.
	ErrOutputFailed = errors.New("processed output failed")

	// ErrHookFailed is returned when a post-load hook fails.
	ErrHookFailed = errors.New("post-load hook failed")
)

type (
	// LoadResult counts the outcome of an insert-if-absent batch.
	LoadResult struct {
		Inserted int
		Skipped  int
	}

	// Statistic is one append-only processing statistic.
	Statistic struct {
		RunID         uuid.UUID
		Kind          dataset.Kind
		Partition     partition.Partition
		RecordCount   int
		RejectedCount int
		Duration      time.Duration
	}

	// Store is the relational side of the pipeline.
	Store interface {
		validation.ReferenceLookup
		validation.QuarantineSink

		// LoadBatch inserts rows of partition p that are not yet persisted.
		LoadBatch(ctx context.Context, p partition.Partition, rows []dataset.Row) (LoadResult, error)

		// AppendStatistic records one processed partition.
		AppendStatistic(ctx context.Context, stat Statistic) error
	}

	// Locker provides named exclusive locks shared by every process of the deployment.
	Locker interface {
		Acquire(ctx context.Context, name string) (func(), error)
		TryAcquire(ctx context.Context, name string) (func(), bool, error)
	}

	// Hook runs after a partition's valid records are loaded and its raw files archived,
	// with the partition lock released. A failing hook moves the raw files back.
	Hook func(ctx context.Context, p partition.Partition, valid []codec.Record) error

	// RunReport summarizes one run for logging.
	RunReport struct {
		RunID      uuid.UUID
		Kind       dataset.Kind
		Partitions int
		Files      int
		Valid      int
		Rejected   int
		Inserted   int
		Skipped    int
		Archived   int
		Duration   time.Duration
	}

	// Runner processes raw partitions of one kind per call.
	Runner struct {
		registry      *dataset.Registry
		raw           *partition.Store
		processedRoot string
		codec         *codec.Codec
		engine        *validation.Engine
		store         Store
		archiver      *archive.Archiver
		locker        Locker
		hooks         map[dataset.Kind]Hook
		logger        *slog.Logger
		now           func() time.Time
	}

	// Option configures a Runner.
	Option func(*Runner)

	noopLocker struct{}
)

// WithHook registers a hook run for every processed partition of kind.
func WithHook(kind dataset.Kind, hook Hook) Option {
	return func(r *Runner) {
		r.hooks[kind] = hook
	}
}

// WithClock overrides the clock used for durations and record stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner wires a Runner over the trees in cfg. A nil locker disables locking,
// which is only safe when a single process runs at a time.
func NewRunner(
	cfg *Config,
	registry *dataset.Registry,
	store Store,
	locker Locker,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	if locker == nil {
		locker = noopLocker{}
	}

	r := &Runner{
		registry:      registry,
		raw:           partition.NewStore(cfg.RawRoot, logger),
		processedRoot: cfg.ProcessedRoot,
		codec:         codec.New(logger),
		store:         store,
		archiver:      archive.New(cfg.ArchiveRoot, logger),
		locker:        locker,
		hooks:         make(map[dataset.Kind]Hook),
		logger:        logger,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.engine = validation.NewEngine(store, store, logger, validation.WithClock(r.now))

	return r
}

// RunPartitionBatch processes every raw partition holding files of kind, oldest first,
// then prunes empty directories from the raw tree. It stops at the first failure and
// returns the report of the work done so far together with the error.
func (r *Runner) RunPartitionBatch(ctx context.Context, kind dataset.Kind) (*RunReport, error) {
	d, err := r.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	release, acquired, err := r.locker.TryAcquire(ctx, RunLockName(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, kind)
	}

	defer release()

	start := r.now()
	report := &RunReport{RunID: uuid.New(), Kind: kind}
	logger := r.logger.With(
		slog.String("run_id", report.RunID.String()),
		slog.String("kind", string(kind)))

	logger.Info("Run started", slog.String("raw_root", r.raw.Root()))

	partitions, err := r.raw.ListPartitions()
	if err != nil {
		return report, err
	}

	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := r.processPartition(ctx, d, p, report, logger); err != nil {
			logger.Error("Run stopped, partition left for retry",
				slog.String("partition", p.String()),
				slog.String("error", err.Error()))

			return report, err
		}
	}

	if err := r.raw.PruneEmpty(); err != nil {
		return report, err
	}

	report.Duration = r.now().Sub(start)

	logger.Info("Run completed",
		slog.Int("partitions", report.Partitions),
		slog.Int("files", report.Files),
		slog.Int("valid", report.Valid),
		slog.Int("rejected", report.Rejected),
		slog.Int("inserted", report.Inserted),
		slog.Int("skipped", report.Skipped),
		slog.Int("archived", report.Archived),
		slog.Duration("duration", report.Duration))

	return report, nil
}

func (r *Runner) processPartition(
	ctx context.Context,
	d *dataset.Descriptor,
	p partition.Partition,
	report *RunReport,
	logger *slog.Logger,
) error {
	files, err := r.raw.ListDatasetFiles(p, d.FilePrefix)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		logger.Debug("No dataset files in partition", slog.String("partition", p.String()))

		return nil
	}

	start := r.now()

	var records []codec.Record

	for _, file := range files {
		recs, err := r.codec.Extract(file)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExtractFailed, err)
		}

		records = append(records, recs...)
	}

	result, err := r.engine.Process(ctx, d, p, records)
	if err != nil {
		return storeError(err)
	}

	rows := make([]dataset.Row, 0, len(result.Valid))
	for _, rec := range result.Valid {
		rows = append(rows, d.Sink(rec))
	}

	loaded, err := r.store.LoadBatch(ctx, p, rows)
	if err != nil {
		return storeError(err)
	}

	if err := r.commitPartition(ctx, d, p, files, result, start, report); err != nil {
		return err
	}

	if hook, ok := r.hooks[d.Kind]; ok && len(result.Valid) > 0 {
		if err := hook(ctx, p, result.Valid); err != nil {
			return r.restore(p, files, report, fmt.Errorf("%w: %w", ErrHookFailed, err))
		}
	}

	report.Partitions++
	report.Files += len(files)
	report.Valid += len(result.Valid)
	report.Rejected += len(result.Rejected)
	report.Inserted += loaded.Inserted
	report.Skipped += loaded.Skipped

	logger.Info("Partition processed",
		slog.String("partition", p.String()),
		slog.Int("records", len(records)),
		slog.Int("valid", len(result.Valid)),
		slog.Int("rejected", len(result.Rejected)),
		slog.Int("inserted", loaded.Inserted),
		slog.Int("skipped", loaded.Skipped),
		slog.Duration("duration", r.now().Sub(start)))

	return nil
}

// commitPartition writes the processed output, records the statistic and archives the raw
// files of p. The partition lock erasure takes is held throughout, so an erasure can never
// see a processed file whose raw source is still about to be archived.
func (r *Runner) commitPartition(
	ctx context.Context,
	d *dataset.Descriptor,
	p partition.Partition,
	files []string,
	result *validation.Result,
	start time.Time,
	report *RunReport,
) error {
	release, err := r.locker.Acquire(ctx, p.LockKey())
	if err != nil {
		return storeError(err)
	}

	defer release()

	if len(result.Valid) > 0 && !d.SkipOutput {
		if _, err := r.codec.Write(result.Valid, p.Dir(r.processedRoot), d.OutputName, d.OutputSuffix); err != nil {
			return fmt.Errorf("%w: %w", ErrOutputFailed, err)
		}
	}

	stat := Statistic{
		RunID:         report.RunID,
		Kind:          d.Kind,
		Partition:     p,
		RecordCount:   len(result.Valid),
		RejectedCount: len(result.Rejected),
		Duration:      r.now().Sub(start),
	}

	if err := r.store.AppendStatistic(ctx, stat); err != nil {
		return storeError(err)
	}

	for _, file := range files {
		if _, err := r.archiver.Archive(file, p); err != nil {
			return err
		}

		report.Archived++
	}

	return nil
}

// restore moves the archived files of a partition whose hook failed back into the raw
// tree, so the next run retries them. Reloading is a no-op for rows already inserted.
func (r *Runner) restore(p partition.Partition, files []string, report *RunReport, cause error) error {
	for _, file := range files {
		if err := r.archiver.Restore(file, p); err != nil {
			return errors.Join(cause, err)
		}

		report.Archived--
	}

	return cause
}

// RunLockName is the lock a run of kind holds for its whole duration.
func RunLockName(kind dataset.Kind) string {
	return runLockPrefix + string(kind)
}

// storeError tags store failures with ErrStoreFailed, leaving cancellation untouched.
func storeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStoreFailed, err)
}

func (noopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

func (noopLocker) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
