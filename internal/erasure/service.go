// Package erasure anonymizes a person's data after it has been loaded.
//
// A request names a subject (customer id) and a replacement value. The subject's
// email is replaced by the hex SHA-256 of that value everywhere it was written:
// processed and archived customer files of every partition the subject appears
// in, the persisted customer rows and quarantined customer payloads.
//
// Each partition moves through these states:
//
//	received -> located -> found -> rewritten -> archived
//	         \-> dropped (unknown subject, or no customer file left)
package erasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/retail-pipeline/etl/internal/archive"
	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/partition"
	"github.com/retail-pipeline/etl/internal/pipeline"
)

// State is the progress of one request in one partition.
type State string

// Request states.
const (
	StateReceived  State = "received"
	StateLocated   State = "located"
	StateFound     State = "found"
	StateRewritten State = "rewritten"
	StateArchived  State = "archived"
	StateDropped   State = "dropped"
)

const (
	subjectFilePrefix = "customers"
	subjectField      = "id"
	piiField          = "email"
	requestSubject    = "customer-id"
	requestValue      = "email"

	reasonUnknownSubject = "subject not found"
	reasonNoOutputFile   = "no customer file in partition"
)

var (
	// ErrInvalidRequest is returned for a request without subject or replacement value.
	ErrInvalidRequest = errors.New("invalid erasure request")

	// ErrLookupFailed is returned when the subject's partitions cannot be resolved.
	ErrLookupFailed = errors.New("subject lookup failed")

	// ErrRewriteFailed is returned when a customer file cannot be anonymized.
	ErrRewriteFailed = errors.New("rewrite failed")
)

type (
	// Request asks for one subject to be anonymized.
	Request struct {
		SubjectID   string
		Replacement string
	}

	// Outcome reports what happened to a request in one partition. Partition is
	// zero when the subject was not found at all.
	Outcome struct {
		Request    Request
		Partition  partition.Partition
		Files      []string
		State      State
		Reason     string
		Anonymized int
	}

	// Store resolves subjects and anonymizes their persisted rows.
	Store interface {
		FindPartitionsForSubject(ctx context.Context, subjectID string) ([]partition.Partition, error)
		AnonymizeSubject(ctx context.Context, subjectID, value string) (int64, error)
	}

	// Locker provides the partition locks shared with the pipeline.
	Locker interface {
		Acquire(ctx context.Context, name string) (func(), error)
	}

	// Service applies erasure requests.
	Service struct {
		store     Store
		locker    Locker
		codec     *codec.Codec
		processed *partition.Store
		archived  *partition.Store
		archiver  *archive.Archiver
		limiter   *rate.Limiter
		logger    *slog.Logger
	}
)

// RequestFromRecord reads a request from an erasure-requests record.
func RequestFromRecord(rec codec.Record) (Request, error) {
	subject, ok := dataset.StringField(rec, requestSubject)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing %s", ErrInvalidRequest, requestSubject)
	}

	value, ok := dataset.StringField(rec, requestValue)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing %s", ErrInvalidRequest, requestValue)
	}

	return Request{SubjectID: subject, Replacement: value}, nil
}

// NewService creates a Service over the processed and archive trees of paths.
// A nil locker disables partition locking.
func NewService(paths *pipeline.Config, cfg *Config, store Store, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if locker == nil {
		locker = noopLocker{}
	}

	return &Service{
		store:     store,
		locker:    locker,
		codec:     codec.New(logger),
		processed: partition.NewStore(paths.ProcessedRoot, logger),
		archived:  partition.NewStore(paths.ArchiveRoot, logger),
		archiver:  archive.New(paths.ArchiveRoot, logger),
		limiter:   cfg.Limiter(),
		logger:    logger,
	}
}

// PipelineOption registers the service as the post-load hook of the erasure-requests kind,
// so every valid request of a processed partition is applied.
func (s *Service) PipelineOption() pipeline.Option {
	return pipeline.WithHook(dataset.KindErasureRequests, s.ApplyRecords)
}

// ApplyRecords applies every request record of a processed erasure-requests partition.
func (s *Service) ApplyRecords(ctx context.Context, _ partition.Partition, records []codec.Record) error {
	for _, rec := range records {
		req, err := RequestFromRecord(rec)
		if err != nil {
			s.logger.Warn("Skipping erasure request", slog.String("error", err.Error()))

			continue
		}

		if _, err := s.Apply(ctx, req); err != nil {
			return err
		}
	}

	return nil
}

// Apply anonymizes the subject of req in every partition it was loaded into.
// Unknown subjects and partitions without customer files are dropped, not failed.
func (s *Service) Apply(ctx context.Context, req Request) ([]Outcome, error) {
	if req.SubjectID == "" || req.Replacement == "" {
		return nil, ErrInvalidRequest
	}

	partitions, err := s.store.FindPartitionsForSubject(ctx, req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	if len(partitions) == 0 {
		s.logger.Info("Erasure request dropped",
			slog.String("subject", req.SubjectID),
			slog.String("reason", reasonUnknownSubject))

		return []Outcome{{Request: req, State: StateDropped, Reason: reasonUnknownSubject}}, nil
	}

	hash := dataset.Anonymize(req.Replacement)
	outcomes := make([]Outcome, 0, len(partitions))

	for _, p := range partitions {
		outcome, err := s.applyPartition(ctx, req, hash, p)
		if err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, outcome)
	}

	rows, err := s.store.AnonymizeSubject(ctx, req.SubjectID, hash)
	if err != nil {
		return outcomes, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	s.logger.Info("Erasure request applied",
		slog.String("subject", req.SubjectID),
		slog.Int("partitions", len(outcomes)),
		slog.Int64("rows", rows))

	return outcomes, nil
}

// applyPartition rewrites every customer file of p under the partition lock. Processed
// files are moved into the archive afterwards, replacing the raw copy archived by the load.
func (s *Service) applyPartition(ctx context.Context, req Request, hash string, p partition.Partition) (Outcome, error) {
	outcome := Outcome{Request: req, Partition: p, State: StateLocated}

	release, err := s.locker.Acquire(ctx, p.LockKey())
	if err != nil {
		return outcome, fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}

	defer release()

	processed, archived, err := s.locate(p)
	if err != nil {
		return outcome, fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}

	if len(processed) == 0 && len(archived) == 0 {
		outcome.State = StateDropped
		outcome.Reason = reasonNoOutputFile

		s.logger.Warn("Erasure request dropped for partition",
			slog.String("subject", req.SubjectID),
			slog.String("partition", p.String()),
			slog.String("reason", reasonNoOutputFile))

		return outcome, nil
	}

	outcome.State = StateFound
	outcome.Files = append(slices.Clone(processed), archived...)

	for _, path := range outcome.Files {
		n, err := s.rewrite(ctx, path, req.SubjectID, hash)
		if err != nil {
			return outcome, err
		}

		outcome.Anonymized += n
	}

	outcome.State = StateRewritten

	for _, path := range processed {
		if _, err := s.archiver.Archive(path, p); err != nil {
			return outcome, err
		}
	}

	outcome.State = StateArchived

	return outcome, nil
}

// locate lists the customer files of p: processed output, plus archived copies that
// the processed files will not replace.
func (s *Service) locate(p partition.Partition) ([]string, []string, error) {
	processed, err := s.processed.ListDatasetFiles(p, subjectFilePrefix)
	if err != nil {
		return nil, nil, err
	}

	archived, err := s.archived.ListDatasetFiles(p, subjectFilePrefix)
	if err != nil {
		return nil, nil, err
	}

	replaced := make(map[string]struct{}, len(processed))
	for _, path := range processed {
		replaced[s.archiver.Path(p, path)] = struct{}{}
	}

	kept := archived[:0]

	for _, path := range archived {
		if _, ok := replaced[path]; !ok {
			kept = append(kept, path)
		}
	}

	return processed, kept, nil
}

// rewrite replaces the PII of subject in the file at path and returns how many records changed.
// Files without the subject are left untouched.
func (s *Service) rewrite(ctx context.Context, path, subject, hash string) (int, error) {
	records, err := s.codec.Extract(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}

	changed := 0

	for _, rec := range records {
		if id, ok := dataset.StringField(rec, subjectField); ok && id == subject {
			rec[piiField] = hash
			changed++
		}
	}

	if changed == 0 {
		return 0, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	if err := s.codec.Rewrite(path, records); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}

	s.logger.Debug("Anonymized customer file",
		slog.String("path", path),
		slog.Int("records", changed))

	return changed, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

func (noopLocker) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
