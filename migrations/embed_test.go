package main

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, n := range names {
		fsys[n] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}

	return fsys
}

func TestEmbeddedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewEmbeddedMigration(nil)
	require.NoError(t, m.Validate())

	files, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_dataset_tables.down.sql",
		"001_dataset_tables.up.sql",
		"002_quarantine.down.sql",
		"002_quarantine.up.sql",
		"003_processing_statistics.down.sql",
		"003_processing_statistics.up.sql",
	}, files)
	assert.Equal(t, 3, m.MaxSequence())
}

func TestEmbeddedMigrationValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr error
	}{
		{
			name: "valid set",
			fsys: migrationFS("001_a.up.sql", "001_a.down.sql", "002_b.up.sql", "002_b.down.sql"),
		},
		{
			name: "ignores foreign files",
			fsys: migrationFS("001_a.up.sql", "001_a.down.sql", "README.md", "1_bad.up.sql"),
		},
		{
			name:    "empty",
			fsys:    migrationFS("README.md"),
			wantErr: ErrNoMigrations,
		},
		{
			name:    "missing down",
			fsys:    migrationFS("001_a.up.sql"),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "missing up",
			fsys:    migrationFS("001_a.down.sql"),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "gap in sequence",
			fsys:    migrationFS("001_a.up.sql", "001_a.down.sql", "003_c.up.sql", "003_c.down.sql"),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "does not start at one",
			fsys:    migrationFS("002_b.up.sql", "002_b.down.sql"),
			wantErr: ErrInvalidMigration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmbeddedMigration(tt.fsys).Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestEmbeddedMigrationChecksum(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationFS("001_a.up.sql", "001_a.down.sql")
	m := NewEmbeddedMigration(fsys)
	require.NoError(t, m.Validate())
	require.NoError(t, m.Validate())

	fsys["001_a.up.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE customers;")}
	require.ErrorIs(t, m.Validate(), ErrChecksumMismatch)
}

func TestParseMigrationFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := parseMigrationFilename("002_quarantine.down.sql")
	require.NoError(t, err)
	assert.Equal(t, &MigrationInfo{
		Sequence:  2,
		Name:      "quarantine",
		Direction: directionDown,
		Filename:  "002_quarantine.down.sql",
	}, info)

	_, err = parseMigrationFilename("2_quarantine.sql")
	require.ErrorIs(t, err, ErrInvalidMigration)
}
