package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/erasure"
	"github.com/retail-pipeline/etl/internal/partition"
	"github.com/retail-pipeline/etl/internal/pipeline"
	"github.com/retail-pipeline/etl/internal/validation"
)

const (
	recordDateColumn = "record_date"
	recordHourColumn = "record_hour"
	// subjectTable holds the persons erasure requests refer to.
	subjectTable = "customers"
)

// Sentinel errors for record storage operations.
var (
	// ErrRecordStoreFailed is returned when a record storage operation fails.
	ErrRecordStoreFailed = errors.New("record storage failed")

	// ErrEmptyRow is returned when a row carries no table or no columns.
	ErrEmptyRow = errors.New("row has no table or columns")

	// Compile-time interface assertions.

	// RecordStore implements pipeline.Store (load, quarantine, statistics and reference lookups).
	_ pipeline.Store = (*RecordStore)(nil)

	// RecordStore implements erasure.Store (subject lookup and anonymization).
	_ erasure.Store = (*RecordStore)(nil)
)

// RecordStore persists dataset records, quarantine entries and statistics in PostgreSQL.
//
// Loads are insert-if-absent: a row whose natural key already exists (per partition,
// or globally for kinds loaded with global scope) is left untouched.
type RecordStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRecordStore creates a RecordStore. Returns ErrNoDatabaseConnection if conn is nil.
func NewRecordStore(conn *Connection, logger *slog.Logger) (*RecordStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RecordStore{conn: conn, logger: logger}, nil
}

// ExistingKeys returns the subset of keys present in table.column, in a single query.
func (s *RecordStore) ExistingKeys(
	ctx context.Context,
	table, column string,
	keys []string,
) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	query := fmt.Sprintf("SELECT DISTINCT %s::text FROM %s WHERE %s = ANY($1)",
		pq.QuoteIdentifier(column), pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, s.wrap("reference lookup", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, s.wrap("reference lookup", err)
		}

		found[key] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("reference lookup", err)
	}

	return found, nil
}

// ExistsByPartitionAndKey reports whether a record with the natural key is already persisted,
// within partition p or anywhere for kinds loaded with global scope.
func (s *RecordStore) ExistsByPartitionAndKey(
	ctx context.Context,
	d *dataset.Descriptor,
	p partition.Partition,
	key string,
) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1",
		pq.QuoteIdentifier(d.Table), pq.QuoteIdentifier(d.KeyColumn))
	args := []any{key}

	if d.LoadScope == dataset.ScopePartition {
		query += " AND record_date = $2 AND record_hour = $3"
		args = append(args, partitionArgs(p)...)
	}

	query += ")"

	var exists bool
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, s.wrap("existence check", err)
	}

	return exists, nil
}

// InsertIfAbsent writes row and its children in one transaction. It returns false, and
// writes nothing, when a row with the same key already exists.
func (s *RecordStore) InsertIfAbsent(ctx context.Context, p partition.Partition, row dataset.Row) (bool, error) {
	result, err := s.LoadBatch(ctx, p, []dataset.Row{row})
	if err != nil {
		return false, err
	}

	return result.Inserted == 1, nil
}

// LoadBatch inserts every row of a partition in one transaction, skipping rows that already exist.
func (s *RecordStore) LoadBatch(ctx context.Context, p partition.Partition, rows []dataset.Row) (pipeline.LoadResult, error) {
	var result pipeline.LoadResult

	if len(rows) == 0 {
		return result, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, s.wrap("begin load", err)
	}

	defer func() {
		_ = tx.Rollback() // No-op if already committed
	}()

	for _, row := range rows {
		inserted, err := s.insertRow(ctx, tx, p, row)
		if err != nil {
			return pipeline.LoadResult{}, err
		}

		if inserted {
			result.Inserted++

			continue
		}

		result.Skipped++

		s.logger.Debug("Record already loaded, skipping",
			slog.String("table", row.Table),
			slog.String("partition", p.String()))
	}

	if err := tx.Commit(); err != nil {
		return pipeline.LoadResult{}, s.wrap("commit load", err)
	}

	return result, nil
}

func (s *RecordStore) insertRow(ctx context.Context, tx *sql.Tx, p partition.Partition, row dataset.Row) (bool, error) {
	if row.Table == "" || len(row.Columns) == 0 {
		return false, fmt.Errorf("%w: %w", ErrRecordStoreFailed, ErrEmptyRow)
	}

	columns := append([]string{recordDateColumn, recordHourColumn}, row.Columns...)
	values := append(partitionArgs(p), row.Values...)

	query := insertStatement(row.Table, columns) + " ON CONFLICT DO NOTHING RETURNING 1"

	var marker int

	err := tx.QueryRowContext(ctx, query, values...).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, s.wrap("insert "+row.Table, err)
	}

	for _, child := range row.Children {
		if child.Table == "" || len(child.Columns) == 0 {
			return false, fmt.Errorf("%w: %w", ErrRecordStoreFailed, ErrEmptyRow)
		}

		if _, err := tx.ExecContext(ctx, insertStatement(child.Table, child.Columns), child.Values...); err != nil {
			return false, s.wrap("insert "+child.Table, err)
		}
	}

	return true, nil
}

// UpsertQuarantine records rejections of partition p in one transaction. Entries collapse on
// the kind's quarantine key, keeping the latest reason; keyless records are always added.
func (s *RecordStore) UpsertQuarantine(
	ctx context.Context,
	d *dataset.Descriptor,
	p partition.Partition,
	rejections []validation.Rejection,
) error {
	if len(rejections) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin quarantine", err)
	}

	defer func() {
		_ = tx.Rollback() // No-op if already committed
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quarantine (
			dataset_kind, scope_key, natural_key, record_date, record_hour, payload, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dataset_kind, scope_key) DO UPDATE SET
			natural_key = EXCLUDED.natural_key,
			record_date = EXCLUDED.record_date,
			record_hour = EXCLUDED.record_hour,
			payload = EXCLUDED.payload,
			reason = EXCLUDED.reason,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`)
	if err != nil {
		return s.wrap("prepare quarantine", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	date, hour := partitionArgs(p)[0], p.Hour

	for _, rejection := range rejections {
		payload, err := marshalJSONB(rejection.Record)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
		}

		var scopeKey, naturalKey sql.NullString
		if key, ok := d.QuarantineKey(p, rejection.Record); ok {
			scopeKey = sql.NullString{String: key, Valid: true}
		}

		if key, ok := d.NaturalKey(rejection.Record); ok {
			naturalKey = sql.NullString{String: key, Valid: true}
		}

		var inserted bool
		if err := stmt.QueryRowContext(ctx,
			string(d.Kind), scopeKey, naturalKey, date, hour, payload, rejection.Reason,
		).Scan(&inserted); err != nil {
			return s.wrap("quarantine", err)
		}

		if !inserted {
			s.logger.Debug("Quarantine entry updated",
				slog.String("kind", string(d.Kind)),
				slog.String("scope_key", scopeKey.String))
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap("commit quarantine", err)
	}

	return nil
}

// AppendStatistic appends one processing statistic row.
func (s *RecordStore) AppendStatistic(ctx context.Context, stat pipeline.Statistic) error {
	date, hour := partitionArgs(stat.Partition)[0], stat.Partition.Hour

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO processing_statistics (
			run_id, record_date, record_hour, dataset_type, record_count, rejected_count, processing_time_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, stat.RunID, date, hour, string(stat.Kind), stat.RecordCount, stat.RejectedCount, stat.Duration.Milliseconds())
	if err != nil {
		return s.wrap("append statistic", err)
	}

	return nil
}

// FindPartitionsForSubject returns every partition holding a persisted record of the subject, oldest first.
func (s *RecordStore) FindPartitionsForSubject(ctx context.Context, subjectID string) ([]partition.Partition, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT record_date, record_hour FROM `+subjectTable+
			` WHERE id = $1 ORDER BY record_date, record_hour`,
		subjectID)
	if err != nil {
		return nil, s.wrap("subject lookup", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var partitions []partition.Partition

	for rows.Next() {
		var (
			date time.Time
			hour int
		)

		if err := rows.Scan(&date, &hour); err != nil {
			return nil, s.wrap("subject lookup", err)
		}

		partitions = append(partitions, partition.New(date, hour))
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("subject lookup", err)
	}

	return partitions, nil
}

// AnonymizeSubject replaces the subject's email with value in every persisted customer row
// and in quarantined customer payloads. It returns the number of customer rows changed.
func (s *RecordStore) AnonymizeSubject(ctx context.Context, subjectID, value string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap("begin anonymize", err)
	}

	defer func() {
		_ = tx.Rollback() // No-op if already committed
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE `+subjectTable+` SET email = $2, last_change = NOW() WHERE id = $1`,
		subjectID, value)
	if err != nil {
		return 0, s.wrap("anonymize", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("anonymize", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE quarantine
		SET payload = jsonb_set(payload, '{email}', to_jsonb($2::text)), updated_at = NOW()
		WHERE dataset_kind = $3 AND natural_key = $1 AND payload ? 'email'
	`, subjectID, value, string(dataset.KindCustomers)); err != nil {
		return 0, s.wrap("anonymize quarantine", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.wrap("commit anonymize", err)
	}

	return affected, nil
}

func (s *RecordStore) wrap(op string, err error) error {
	if isDatabaseConnectionError(err) {
		return fmt.Errorf("%w: %s: database connection lost: %w", ErrRecordStoreFailed, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrRecordStoreFailed, op, err)
}

func insertStatement(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))

	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}

func partitionArgs(p partition.Partition) []any {
	return []any{p.Date.Format(time.DateOnly), p.Hour}
}

// marshalJSONB converts a record to a JSONB parameter.
func marshalJSONB(rec codec.Record) (sql.NullString, error) {
	if rec == nil {
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return sql.NullString{String: string(data), Valid: true}, nil
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
