package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/retail-pipeline/etl/internal/config"
)

const (
	defaultRawRoot       = "rawdata"
	defaultProcessedRoot = "processed_data"
	defaultArchiveRoot   = "archived_data"
)

var (
	// ErrInvalidConfig is returned when the pipeline directories are missing or overlap.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

type (
	// Config holds the dataset tree locations.
	Config struct {
		RawRoot       string `yaml:"raw"`
		ProcessedRoot string `yaml:"processed"`
		ArchiveRoot   string `yaml:"archive"`
		// SchemaDir overrides the embedded JSON schemas when set.
		SchemaDir string `yaml:"schema_dir"` //nolint:tagliatelle // snake_case is intentional for YAML config files
	}

	fileConfig struct {
		Paths Config `yaml:"paths"`
	}
)

// LoadConfig reads the "paths" section of the pipeline configuration file, then applies
// RAW_DATA_PATH, PROCESSED_DATA_PATH, ARCHIVED_DATA_PATH and SCHEMA_DIR on top.
func LoadConfig() *Config {
	cfg := &Config{
		RawRoot:       defaultRawRoot,
		ProcessedRoot: defaultProcessedRoot,
		ArchiveRoot:   defaultArchiveRoot,
	}

	file := fileConfig{Paths: *cfg}
	if config.LoadFileFromEnv(&file) {
		*cfg = file.Paths
	}

	cfg.RawRoot = config.GetEnvStr("RAW_DATA_PATH", cfg.RawRoot)
	cfg.ProcessedRoot = config.GetEnvStr("PROCESSED_DATA_PATH", cfg.ProcessedRoot)
	cfg.ArchiveRoot = config.GetEnvStr("ARCHIVED_DATA_PATH", cfg.ArchiveRoot)
	cfg.SchemaDir = config.GetEnvStr("SCHEMA_DIR", cfg.SchemaDir)

	return cfg
}

// Validate checks that every root is set and that no two roots coincide.
func (c *Config) Validate() error {
	roots := map[string]string{
		"raw":       c.RawRoot,
		"processed": c.ProcessedRoot,
		"archive":   c.ArchiveRoot,
	}

	seen := make(map[string]string, len(roots))

	for name, root := range roots {
		if root == "" {
			return fmt.Errorf("%w: %s root cannot be empty", ErrInvalidConfig, name)
		}

		clean := filepath.Clean(root)
		if other, ok := seen[clean]; ok {
			return fmt.Errorf("%w: %s and %s roots must differ", ErrInvalidConfig, name, other)
		}

		seen[clean] = name
	}

	return nil
}
