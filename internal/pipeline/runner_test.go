package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/partition"
	"github.com/retail-pipeline/etl/internal/validation"
)

type (
	// memoryStore keeps rows keyed by table, partition and first column value.
	memoryStore struct {
		mu          sync.Mutex
		rows        map[string]dataset.Row
		quarantined []validation.Rejection
		stats       []Statistic
		loadErr     error
	}

	memoryLocker struct {
		held map[string]bool
	}
)

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]dataset.Row)}
}

func (s *memoryStore) ExistingKeys(_ context.Context, table, _ string, keys []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]struct{})

	for k, row := range s.rows {
		if !strings.HasPrefix(k, table+"|") {
			continue
		}

		for _, key := range keys {
			if fmt.Sprint(row.Values[0]) == key {
				found[key] = struct{}{}
			}
		}
	}

	return found, nil
}

func (s *memoryStore) UpsertQuarantine(
	_ context.Context,
	_ *dataset.Descriptor,
	_ partition.Partition,
	rejections []validation.Rejection,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quarantined = append(s.quarantined, rejections...)

	return nil
}

func (s *memoryStore) LoadBatch(_ context.Context, p partition.Partition, rows []dataset.Row) (LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result LoadResult

	if s.loadErr != nil {
		return result, s.loadErr
	}

	for _, row := range rows {
		key := fmt.Sprintf("%s|%s|%v", row.Table, p, row.Values[0])
		if _, ok := s.rows[key]; ok {
			result.Skipped++

			continue
		}

		s.rows[key] = row
		result.Inserted++
	}

	return result, nil
}

func (s *memoryStore) AppendStatistic(_ context.Context, stat Statistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = append(s.stats, stat)

	return nil
}

func (l *memoryLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

func (l *memoryLocker) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	if l.held[name] {
		return nil, false, nil
	}

	return func() {}, true, nil
}

type fixture struct {
	cfg      *Config
	store    *memoryStore
	registry *dataset.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := t.TempDir()

	registry, err := dataset.NewRegistry(nil)
	require.NoError(t, err)

	return &fixture{
		cfg: &Config{
			RawRoot:       filepath.Join(base, "raw"),
			ProcessedRoot: filepath.Join(base, "processed"),
			ArchiveRoot:   filepath.Join(base, "archive"),
		},
		store:    newMemoryStore(),
		registry: registry,
	}
}

func (f *fixture) runner(locker Locker, opts ...Option) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewRunner(f.cfg, f.registry, f.store, locker, logger, opts...)
}

func (f *fixture) writeRaw(t *testing.T, partitionPath, name string, docs ...string) string {
	t.Helper()

	path := filepath.Join(f.cfg.RawRoot, partitionPath, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(docs, "\n")), 0o600))

	return path
}

func customer(id, email string) string {
	return fmt.Sprintf(`{"id":%q,"first_name":"Ada","last_name":"Lovelace","email":%q}`, id, email)
}

func TestRunPartitionBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	f.writeRaw(t, "date=2024-01-01/hour=01", "customers.json",
		customer("C1", "c1@example.com"), customer("C2", "c2@example.com"), `{"id":"C3"}`)
	f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", customer("C4", "c4@example.com"))
	f.writeRaw(t, "date=2024-01-01/hour=00", "products.json",
		`{"sku":"P1","name":"Lamp","price":1,"category":"home","popularity":1}`)

	report, err := f.runner(nil).RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Partitions)
	assert.Equal(t, 3, report.Valid)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 2, report.Archived)

	// statistics follow partition order
	require.Len(t, f.store.stats, 2)
	assert.Equal(t, "date=2024-01-01/hour=00", f.store.stats[0].Partition.String())
	assert.Equal(t, 1, f.store.stats[1].RejectedCount)
	assert.Equal(t, report.RunID, f.store.stats[0].RunID)

	require.Len(t, f.store.quarantined, 1)

	processed := filepath.Join(f.cfg.ProcessedRoot, "date=2024-01-01", "hour=01", "customers.json.gz")
	records, err := codec.New(nil).Extract(processed)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.NotEmpty(t, records[0]["last_change"])

	archived := filepath.Join(f.cfg.ArchiveRoot, "date=2024-01-01", "hour=01", "customers.json")
	_, err = os.Stat(archived)
	require.NoError(t, err)

	// products are untouched and keep their partition alive; the emptied hour is pruned
	_, err = os.Stat(filepath.Join(f.cfg.RawRoot, "date=2024-01-01", "hour=00", "products.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.cfg.RawRoot, "date=2024-01-01", "hour=01"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunPartitionBatchIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	runner := f.runner(nil)

	for attempt := range 2 {
		f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json",
			customer("C1", "c1@example.com"), customer("C2", "c2@example.com"))

		report, err := runner.RunPartitionBatch(context.Background(), dataset.KindCustomers)
		require.NoError(t, err)

		if attempt == 0 {
			assert.Equal(t, 2, report.Inserted)
		} else {
			assert.Equal(t, 0, report.Inserted)
			assert.Equal(t, 2, report.Skipped)
		}
	}

	assert.Len(t, f.store.rows, 2)
}

func TestRunPartitionBatchStoreFailureKeepsInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	f.store.loadErr = errors.New("connection reset by peer")
	raw := f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", customer("C1", "c1@example.com"))

	_, err := f.runner(nil).RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.ErrorIs(t, err, ErrStoreFailed)

	_, err = os.Stat(raw)
	require.NoError(t, err, "input must stay in place for retry")

	_, err = os.Stat(f.cfg.ArchiveRoot)
	assert.True(t, os.IsNotExist(err), "nothing may be archived")

	_, err = os.Stat(f.cfg.ProcessedRoot)
	assert.True(t, os.IsNotExist(err), "nothing may be written to processed output")

	assert.Empty(t, f.store.stats)
}

func TestRunPartitionBatchEmptyInput(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)

	report, err := f.runner(nil).RunPartitionBatch(context.Background(), dataset.KindTransactions)
	require.NoError(t, err)
	assert.Zero(t, report.Partitions)
	assert.Empty(t, f.store.stats)
}

func TestRunPartitionBatchRunLock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	locker := &memoryLocker{held: map[string]bool{"run:customers": true}}

	_, err := f.runner(locker).RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.ErrorIs(t, err, ErrRunInProgress)

	_, err = f.runner(locker).RunPartitionBatch(context.Background(), dataset.KindProducts)
	require.NoError(t, err)
}

func TestRunPartitionBatchUnknownKind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := newFixture(t).runner(nil).RunPartitionBatch(context.Background(), "orders")
	require.ErrorIs(t, err, dataset.ErrUnknownKind)
}

func TestRunPartitionBatchHook(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	f.writeRaw(t, "date=2024-01-01/hour=00", "erasure-requests.json",
		`{"customer-id":"C1","email":"c1@example.com"}`,
		`{"customer-id":"C1","email":"c1@example.com"}`,
		`{"email":"nobody@example.com"}`)

	var seen []codec.Record

	hook := func(_ context.Context, _ partition.Partition, valid []codec.Record) error {
		seen = append(seen, valid...)

		return nil
	}

	report, err := f.runner(nil, WithHook(dataset.KindErasureRequests, hook)).
		RunPartitionBatch(context.Background(), dataset.KindErasureRequests)
	require.NoError(t, err)

	require.Len(t, seen, 1, "only valid, deduplicated requests reach the hook")
	assert.Equal(t, "c1@example.com", seen[0]["email"])
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 1, report.Archived)

	// requests carry a plain email and never reach the processed tree
	_, err = os.Stat(filepath.Join(f.cfg.ProcessedRoot, "date=2024-01-01", "hour=00", "erasure_requests.json.gz"))
	assert.True(t, os.IsNotExist(err))

	require.Len(t, f.store.rows, 1)
	for _, row := range f.store.rows {
		assert.Equal(t, dataset.Anonymize("c1@example.com"), row.Values[1])
	}
}

func TestRunPartitionBatchHookFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	raw := f.writeRaw(t, "date=2024-01-01/hour=00", "erasure-requests.json",
		`{"customer-id":"C1","email":"c1@example.com"}`)

	hook := func(context.Context, partition.Partition, []codec.Record) error {
		return errors.New("subject lookup failed")
	}

	_, err := f.runner(nil, WithHook(dataset.KindErasureRequests, hook)).
		RunPartitionBatch(context.Background(), dataset.KindErasureRequests)
	require.ErrorIs(t, err, ErrHookFailed)

	_, err = os.Stat(raw)
	require.NoError(t, err, "input returns to the raw tree for retry")

	_, err = os.Stat(filepath.Join(f.cfg.ArchiveRoot, "date=2024-01-01", "hour=00", "erasure-requests.json"))
	assert.True(t, os.IsNotExist(err))
}

type releaseLocker struct {
	onRelease func(name string)
}

func (l *releaseLocker) Acquire(_ context.Context, name string) (func(), error) {
	return func() { l.onRelease(name) }, nil
}

func (l *releaseLocker) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

func TestRunPartitionBatchPartitionLockSpan(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	raw := f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", customer("C1", "c1@example.com"))

	var (
		released       bool
		archivedLocked bool
		statLocked     bool
		hookUnlocked   bool
	)

	locker := &releaseLocker{onRelease: func(name string) {
		if !strings.HasPrefix(name, "partition:") {
			return
		}

		_, err := os.Stat(raw)
		archivedLocked = os.IsNotExist(err)
		statLocked = len(f.store.stats) == 1
		released = true
	}}

	hook := func(context.Context, partition.Partition, []codec.Record) error {
		hookUnlocked = released

		return nil
	}

	_, err := f.runner(locker, WithHook(dataset.KindCustomers, hook)).
		RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.NoError(t, err)

	require.True(t, released)
	assert.True(t, archivedLocked, "raw files are archived before the partition lock is released")
	assert.True(t, statLocked, "the statistic is recorded under the partition lock")
	assert.True(t, hookUnlocked, "hooks run after the partition lock is released")
}

func TestRunPartitionBatchNonObjectDocument(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", "["+customer("C1", "c1@example.com")+"]")
	f.writeRaw(t, "date=2024-01-01/hour=01", "customers.json", customer("C2", "c2@example.com"))

	report, err := f.runner(nil).RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Partitions)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 2, report.Archived)

	require.Len(t, f.store.quarantined, 1)
	assert.Contains(t, f.store.quarantined[0].Reason, "expected object")

	_, err = os.Stat(filepath.Join(f.cfg.RawRoot, "date=2024-01-01"))
	assert.True(t, os.IsNotExist(err), "both partitions are archived and pruned")
}

func TestRunPartitionBatchMalformedJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	raw := f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", `{"id":"C1",`)

	_, err := f.runner(nil).RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.ErrorIs(t, err, ErrExtractFailed)

	_, err = os.Stat(raw)
	require.NoError(t, err)
}

func TestRunPartitionBatchClock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newFixture(t)
	f.writeRaw(t, "date=2024-01-01/hour=00", "customers.json", customer("C1", "c1@example.com"))

	fixed := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)

	_, err := f.runner(nil, WithClock(func() time.Time { return fixed })).
		RunPartitionBatch(context.Background(), dataset.KindCustomers)
	require.NoError(t, err)

	for _, row := range f.store.rows {
		assert.Equal(t, "2024-01-01T00:15:00Z", row.Values[4])
	}
}
