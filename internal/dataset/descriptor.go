// Package dataset describes every dataset kind the pipeline understands.
//
// A Descriptor carries everything the generic pipeline needs to process one kind:
// where its files live, how records are validated, keyed and stamped, and how a
// valid record maps onto database rows. Descriptors are built once by NewRegistry
// and never change afterwards.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/retail-pipeline/etl/internal/codec"
	"github.com/retail-pipeline/etl/internal/partition"
)

// Kind names a dataset.
type Kind string

// Registered dataset kinds.
const (
	KindCustomers       Kind = "customers"
	KindProducts        Kind = "products"
	KindTransactions    Kind = "transactions"
	KindErasureRequests Kind = "erasure-requests"
)

const partitionKeySeparator = "/"

// Scope says whether a uniqueness key is unique within a partition or across all partitions.
type Scope int

const (
	// ScopePartition keys are unique per (date, hour).
	ScopePartition Scope = iota
	// ScopeGlobal keys are unique across every partition.
	ScopeGlobal
)

var (
	// ErrSchemaViolation wraps JSON schema validation failures.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrUnknownKind is returned when a kind is not registered.
	ErrUnknownKind = errors.New("unknown dataset kind")
)

type (
	// Row is one database row produced from a valid record. Parent rows are written
	// with the partition columns prepended; Children are written in the same
	// transaction and only when the parent was inserted.
	Row struct {
		Table    string
		Columns  []string
		Values   []any
		Children []Row
	}

	// Reference names a lookup table whose keys a record must point at.
	Reference struct {
		Name   string
		Table  string
		Column string
		Keys   func(codec.Record) []string
	}

	// References holds the keys found for each Reference of a batch.
	References map[string]map[string]struct{}

	// Rule is an integrity check run after schema validation and deduplication.
	// A non-nil error is the rejection reason.
	Rule func(rec codec.Record, refs References) error

	// Descriptor is the static definition of one dataset kind.
	Descriptor struct {
		Kind         Kind
		FilePrefix   string
		OutputName   string
		OutputSuffix string

		// Table and KeyColumn locate persisted records; KeyField is the record attribute
		// holding the natural key.
		Table     string
		KeyField  string
		KeyColumn string

		LoadScope       Scope
		QuarantineScope Scope
		// BulkQuarantine defers quarantine writes to one statement per batch.
		BulkQuarantine bool

		// StampField, when set, receives the load time of every valid record.
		StampField string

		// SkipOutput keeps valid records out of the processed tree. Only the loaded row,
		// with personal data hashed, survives.
		SkipOutput bool

		Normalize  func(codec.Record)
		References []Reference
		Rules      []Rule
		Sink       func(codec.Record) Row

		schema *jsonschema.Schema
	}
)

// Has reports whether key was found for the named reference.
func (r References) Has(name, key string) bool {
	_, ok := r[name][key]

	return ok
}

// ValidateSchema checks rec against the kind's JSON schema. A record wrapping a
// non-object document is validated as that document.
func (d *Descriptor) ValidateSchema(rec codec.Record) error {
	if d.schema == nil {
		return nil
	}

	var doc any = map[string]any(rec)
	if raw, ok := rec.Document(); ok {
		doc = raw
	}

	if err := d.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}

	return nil
}

// NaturalKey returns the record's natural key and whether it is present.
func (d *Descriptor) NaturalKey(rec codec.Record) (string, bool) {
	return StringField(rec, d.KeyField)
}

// QuarantineKey returns the key quarantine entries of this kind collapse on, or false
// when the record has no natural key and every rejection must be kept.
func (d *Descriptor) QuarantineKey(p partition.Partition, rec codec.Record) (string, bool) {
	key, ok := d.NaturalKey(rec)
	if !ok {
		return "", false
	}

	if d.QuarantineScope == ScopeGlobal {
		return key, true
	}

	return p.String() + partitionKeySeparator + key, true
}

// StringField reads a scalar attribute as a string. Numbers keep their literal text.
func StringField(rec codec.Record, name string) (string, bool) {
	switch v := rec[name].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Anonymize returns the hex SHA-256 digest used to replace personal data.
func Anonymize(value string) string {
	sum := sha256.Sum256([]byte(value))

	return hex.EncodeToString(sum[:])
}
