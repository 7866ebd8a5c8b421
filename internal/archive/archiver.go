// Package archive moves absorbed dataset files out of the input tree into a
// partition-keyed archive tree.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/retail-pipeline/etl/internal/partition"
)

const dirPerm = 0o755

var (
	// ErrArchiveFailed is returned when a file cannot be moved into the archive.
	ErrArchiveFailed = errors.New("archive failed")
)

// Archiver renames files into <root>/date=YYYY-MM-DD/hour=HH/<file name>.
// Archive and input trees must share a filesystem for the rename to be atomic.
type Archiver struct {
	root   string
	logger *slog.Logger
}

// New creates an Archiver rooted at root.
func New(root string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Archiver{root: root, logger: logger}
}

// Root returns the archive tree root.
func (a *Archiver) Root() string {
	return a.root
}

// Path returns where a file named name of partition p is archived.
func (a *Archiver) Path(p partition.Partition, name string) string {
	return filepath.Join(p.Dir(a.root), filepath.Base(name))
}

// Archive moves sourcePath into the archive directory of p, replacing an existing
// archived file of the same name, and returns the new path.
func (a *Archiver) Archive(sourcePath string, p partition.Partition) (string, error) {
	dest := a.Path(p, sourcePath)

	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return "", fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}

	if filepath.Clean(sourcePath) == dest {
		return dest, nil
	}

	if err := os.Rename(sourcePath, dest); err != nil {
		return "", fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}

	a.logger.Info("File archived",
		slog.String("source", sourcePath),
		slog.String("archive", dest))

	return dest, nil
}

// Restore moves the archived copy of sourcePath in partition p back to sourcePath.
func (a *Archiver) Restore(sourcePath string, p partition.Partition) error {
	archived := a.Path(p, sourcePath)

	if err := os.MkdirAll(filepath.Dir(sourcePath), dirPerm); err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}

	if err := os.Rename(archived, sourcePath); err != nil {
		return fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}

	a.logger.Info("File restored",
		slog.String("archive", archived),
		slog.String("source", sourcePath))

	return nil
}
