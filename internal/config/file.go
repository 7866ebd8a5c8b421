package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFilePath is the default location of the pipeline configuration file.
	DefaultFilePath = ".etl.yaml"

	// FilePathEnvVar names the environment variable holding a custom configuration file path.
	FilePathEnvVar = "ETL_CONFIG_PATH"
)

// LoadFile decodes the YAML file at path into out.
//
// The file is optional. A missing, unreadable, empty or syntactically invalid file leaves out
// untouched and is logged, so callers fill out with defaults first and apply env overrides after.
// It reports whether the file was applied.
func LoadFile(path string, out any) bool {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, using defaults", slog.String("path", path))

			return false
		}

		slog.Warn("Failed to read config file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return false
	}

	if len(data) == 0 {
		return false
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("Failed to parse config file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return false
	}

	if err := doc.Decode(out); err != nil {
		slog.Warn("Failed to parse config file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return false
	}

	return true
}

// LoadFileFromEnv loads the file named by ETL_CONFIG_PATH, falling back to DefaultFilePath.
func LoadFileFromEnv(out any) bool {
	return LoadFile(GetEnvStr(FilePathEnvVar, DefaultFilePath), out)
}
