// Package validation splits a batch of raw records into valid and rejected records.
//
// Checks run per record in a fixed order and the first failure wins:
//
//  1. normalization and JSON schema validation
//  2. natural key uniqueness within the batch
//  3. the kind's integrity rules, against reference keys loaded once per batch
//
// Valid records are stamped; rejected ones are handed to the quarantine sink.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/partition"
)

// ReasonDuplicateKey is the rejection reason for a repeated natural key.
const ReasonDuplicateKey = "duplicate key"

var (
	// ErrReferenceLookupFailed is returned when reference keys cannot be loaded.
	ErrReferenceLookupFailed = errors.New("reference lookup failed")

	// ErrQuarantineFailed is returned when rejected records cannot be quarantined.
	ErrQuarantineFailed = errors.New("quarantine failed")
)

type (
	// Rejection is a record that failed validation.
	Rejection struct {
		Record codec.Record
		Reason string
	}

	// Result is the outcome of one batch.
	Result struct {
		Valid    []codec.Record
		Rejected []Rejection
	}

	// ReferenceLookup returns which of keys exist in table.column.
	ReferenceLookup interface {
		ExistingKeys(ctx context.Context, table, column string, keys []string) (map[string]struct{}, error)
	}

	// QuarantineSink persists rejected records with their reasons.
	QuarantineSink interface {
		UpsertQuarantine(ctx context.Context, d *dataset.Descriptor, p partition.Partition, rejections []Rejection) error
	}

	// Engine validates batches. It holds no state between batches.
	Engine struct {
		lookup     ReferenceLookup
		quarantine QuarantineSink
		logger     *slog.Logger
		now        func() time.Time
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithClock overrides the clock used to stamp valid records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine backed by the given reference lookup and quarantine sink.
func NewEngine(lookup ReferenceLookup, quarantine QuarantineSink, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		lookup:     lookup,
		quarantine: quarantine,
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Process validates records of partition p. Rejections are quarantined before Process
// returns, either one by one or in a single write when the kind asks for bulk quarantine.
// Any quarantine or lookup error aborts the batch.
func (e *Engine) Process(
	ctx context.Context,
	d *dataset.Descriptor,
	p partition.Partition,
	records []codec.Record,
) (*Result, error) {
	refs, err := e.loadReferences(ctx, d, records)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Valid:    make([]codec.Record, 0, len(records)),
		Rejected: []Rejection{},
	}
	seen := make(map[string]struct{}, len(records))
	stamp := e.now().UTC().Format(time.RFC3339)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reason := e.check(d, rec, refs, seen)
		if reason == "" {
			if d.StampField != "" {
				rec[d.StampField] = stamp
			}

			result.Valid = append(result.Valid, rec)

			continue
		}

		rejection := Rejection{Record: rec, Reason: reason}
		result.Rejected = append(result.Rejected, rejection)

		e.logger.Debug("Record rejected",
			slog.String("kind", string(d.Kind)),
			slog.String("partition", p.String()),
			slog.String("reason", reason))

		if !d.BulkQuarantine {
			if err := e.quarantine.UpsertQuarantine(ctx, d, p, []Rejection{rejection}); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrQuarantineFailed, err)
			}
		}
	}

	if d.BulkQuarantine && len(result.Rejected) > 0 {
		if err := e.quarantine.UpsertQuarantine(ctx, d, p, result.Rejected); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQuarantineFailed, err)
		}
	}

	return result, nil
}

// check returns the rejection reason of rec, or "" when it is valid.
func (e *Engine) check(
	d *dataset.Descriptor,
	rec codec.Record,
	refs dataset.References,
	seen map[string]struct{},
) string {
	if d.Normalize != nil {
		d.Normalize(rec)
	}

	if err := d.ValidateSchema(rec); err != nil {
		return err.Error()
	}

	if key, ok := d.NaturalKey(rec); ok {
		if _, dup := seen[key]; dup {
			return ReasonDuplicateKey
		}

		seen[key] = struct{}{}
	}

	for _, rule := range d.Rules {
		if err := rule(rec, refs); err != nil {
			return err.Error()
		}
	}

	return ""
}

// loadReferences fetches every referenced key of the batch with one lookup per reference.
func (e *Engine) loadReferences(
	ctx context.Context,
	d *dataset.Descriptor,
	records []codec.Record,
) (dataset.References, error) {
	refs := make(dataset.References, len(d.References))

	for _, ref := range d.References {
		wanted := make(map[string]struct{})

		for _, rec := range records {
			for _, key := range ref.Keys(rec) {
				wanted[key] = struct{}{}
			}
		}

		if len(wanted) == 0 {
			refs[ref.Name] = map[string]struct{}{}

			continue
		}

		keys := make([]string, 0, len(wanted))
		for key := range wanted {
			keys = append(keys, key)
		}

		found, err := e.lookup.ExistingKeys(ctx, ref.Table, ref.Column, keys)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrReferenceLookupFailed, ref.Name, err)
		}

		refs[ref.Name] = found
	}

	return refs, nil
}
