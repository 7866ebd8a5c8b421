package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

const (
	directionUp   = "up"
	directionDown = "down"
)

var (
	// ErrNoMigrations is returned when the migration source holds no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidMigration is returned when the migration files are misnamed, unpaired or out of sequence.
	ErrInvalidMigration = errors.New("invalid migration set")

	// ErrChecksumMismatch is returned when a migration file changed since it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

//go:embed *.sql
var embeddedMigrations embed.FS

// 001_dataset_tables.up.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// EmbeddedMigration validates and serves the migration files compiled into the binary.
	EmbeddedMigration struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationInfo is a parsed migration filename.
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// NewEmbeddedMigration creates an EmbeddedMigration over filesystem, or over the embedded
// files when filesystem is nil.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the migration source.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns the well-named migration files in apply order. Other files are ignored.
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks that every migration has both directions, that sequences start at 001
// without gaps, and that no file changed since the previous call.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]bool)

	for _, file := range files {
		info, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]bool)
		}

		pairs[info.Sequence][info.Direction] = true
	}

	if err := validateSequence(pairs); err != nil {
		return err
	}

	for _, file := range files {
		content, err := fs.ReadFile(e.fs, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		sum := checksum(content)
		if previous, ok := e.checksums[file]; ok && previous != sum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
		}

		e.checksums[file] = sum
	}

	return nil
}

// MaxSequence returns the highest migration sequence available, or 0 when none can be read.
func (e *EmbeddedMigration) MaxSequence() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if info, err := parseMigrationFilename(file); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

func parseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf("%w: bad filename %s (expected 001_name.up.sql)", ErrInvalidMigration, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidMigration, filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validateSequence(pairs map[int]map[string]bool) error {
	sequences := make([]int, 0, len(pairs))
	for seq := range pairs {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected sequence %03d, found %03d", ErrInvalidMigration, i+1, seq)
		}

		if !pairs[seq][directionUp] {
			return fmt.Errorf("%w: %03d has no up migration", ErrInvalidMigration, seq)
		}

		if !pairs[seq][directionDown] {
			return fmt.Errorf("%w: %03d has no down migration", ErrInvalidMigration, seq)
		}
	}

	return nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}
