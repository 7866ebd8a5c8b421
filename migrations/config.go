package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/retail-pipeline/etl/internal/config"
	"github.com/retail-pipeline/etl/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrMissingDatabaseURL is returned when DATABASE_URL is not set.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL cannot be empty")

	// ErrMissingMigrationTable is returned when MIGRATION_TABLE is set to blanks.
	ErrMissingMigrationTable = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds the migration tool settings.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that both settings are present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrMissingDatabaseURL
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMissingMigrationTable
	}

	return nil
}

// String renders the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}
