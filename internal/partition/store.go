package partition

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/retail-pipeline/etl/internal/codec"
)

var (
	// ErrListFailed is returned when a partition tree cannot be read.
	ErrListFailed = errors.New("partition listing failed")
)

// Store enumerates partitions and dataset files below a single root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at root. The root does not need to exist yet.
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{root: root, logger: logger}
}

// Root returns the directory the store enumerates.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of partition p under the store root.
func (s *Store) Dir(p Partition) string {
	return p.Dir(s.root)
}

// ListPartitions returns every partition under the root in chronological order.
// A missing root yields an empty list. Directories that do not follow the
// date=/hour= layout are skipped with a warning.
func (s *Store) ListPartitions() ([]Partition, error) {
	dateEntries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Partition{}, nil
		}

		return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
	}

	partitions := make([]Partition, 0, len(dateEntries))

	for _, dateEntry := range dateEntries {
		if !dateEntry.IsDir() {
			continue
		}

		hourEntries, err := os.ReadDir(filepath.Join(s.root, dateEntry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
		}

		for _, hourEntry := range hourEntries {
			if !hourEntry.IsDir() {
				continue
			}

			p, err := Parse(dateEntry.Name(), hourEntry.Name())
			if err != nil {
				s.logger.Warn("Skipping directory outside partition layout",
					slog.String("root", s.root),
					slog.String("path", filepath.Join(dateEntry.Name(), hourEntry.Name())),
					slog.String("error", err.Error()))

				continue
			}

			partitions = append(partitions, p)
		}
	}

	slices.SortFunc(partitions, func(a, b Partition) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})

	return partitions, nil
}

// ListDatasetFiles returns the files of partition p whose name starts with prefix and
// carries a recognized dataset suffix, sorted by name. A missing partition yields an empty list.
func (s *Store) ListDatasetFiles(p Partition, prefix string) ([]string, error) {
	dir := s.Dir(p)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
	}

	files := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !codec.Supported(name) {
			continue
		}

		files = append(files, filepath.Join(dir, name))
	}

	return files, nil
}

// PruneEmpty removes empty directories below the root in a single bottom-up pass.
// The root itself and non-empty directories are never removed.
func (s *Store) PruneEmpty() error {
	var dirs []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.root {
				return fs.SkipAll
			}

			return err
		}

		if d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrListFailed, err)
	}

	// WalkDir visits parents before children, so walking backwards removes leaves first.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrListFailed, err)
		}

		if len(entries) > 0 {
			continue
		}

		if err := os.Remove(dirs[i]); err != nil {
			return fmt.Errorf("%w: %w", ErrListFailed, err)
		}

		s.logger.Debug("Removed empty directory", slog.String("path", dirs[i]))
	}

	return nil
}
