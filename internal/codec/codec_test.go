package codec

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec() *Codec {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	for _, line := range lines {
		_, err := zw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func toJSON(t *testing.T, records []Record) string {
	t.Helper()

	data, err := json.Marshal(records)
	require.NoError(t, err)

	return string(data)
}

func TestFormatOf(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		expected Format
	}{
		{"customers.json.gz", FormatJSONLines},
		{"erasure-requests.json", FormatJSON},
		{"customers.csv", FormatUnknown},
		{"customers.gz", FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatOf(tt.name))
			assert.Equal(t, tt.expected != FormatUnknown, Supported(tt.name))
		})
	}
}

func TestBaseName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "customers", BaseName("customers.json.gz"))
	assert.Equal(t, "products", BaseName("/raw/date=2024-01-01/hour=00/products.json"))
	assert.Equal(t, "transactions", BaseName("transactions"))
}

func TestExtract(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	c := newTestCodec()

	t.Run("gzip lines skip blanks and keep numbers exact", func(t *testing.T) {
		path := filepath.Join(dir, "customers.json.gz")
		data := gzipLines(t, `{"id":"C1","score":5.005}`, "", "   ", `{"id":"C2","score":10}`)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		records, err := c.Extract(path)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "C1", records[0]["id"])
		assert.Equal(t, json.Number("5.005"), records[0]["score"])
		assert.Equal(t, json.Number("10"), records[1]["score"])
	})

	t.Run("single JSON document yields one record", func(t *testing.T) {
		path := filepath.Join(dir, "erasure-requests.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"customer-id":"C1","email":"x@y.z"}`), 0o600))

		records, err := c.Extract(path)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "C1", records[0]["customer-id"])
	})

	t.Run("JSON document stream yields every document", func(t *testing.T) {
		path := filepath.Join(dir, "stream.json")
		require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n{\"a\":2}\n"), 0o600))

		records, err := c.Extract(path)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("missing file is empty", func(t *testing.T) {
		records, err := c.Extract(filepath.Join(dir, "absent.json.gz"))
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("unsupported suffix is empty", func(t *testing.T) {
		path := filepath.Join(dir, "customers.csv")
		require.NoError(t, os.WriteFile(path, []byte("id\nC1\n"), 0o600))

		records, err := c.Extract(path)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("malformed line fails", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json.gz")
		require.NoError(t, os.WriteFile(path, gzipLines(t, `{"id":"C1"}`, `{"id":`), 0o600))

		_, err := c.Extract(path)
		require.ErrorIs(t, err, ErrDecodeFailed)
	})

	t.Run("non-object documents are wrapped", func(t *testing.T) {
		path := filepath.Join(dir, "array.json")
		require.NoError(t, os.WriteFile(path, []byte("[1,2,3]\n\"C1\"\nnull\n{\"id\":\"C2\"}"), 0o600))

		records, err := c.Extract(path)
		require.NoError(t, err)
		require.Len(t, records, 4)

		doc, ok := records[0].Document()
		require.True(t, ok)
		assert.Len(t, doc, 3)

		doc, ok = records[1].Document()
		require.True(t, ok)
		assert.Equal(t, "C1", doc)

		doc, ok = records[2].Document()
		require.True(t, ok)
		assert.Nil(t, doc)

		_, ok = records[3].Document()
		assert.False(t, ok)
		assert.Equal(t, "C2", records[3]["id"])
	})

	t.Run("truncated document fails", func(t *testing.T) {
		path := filepath.Join(dir, "truncated.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id":"C1"}`), 0o600))

		_, err := c.Extract(path)
		require.ErrorIs(t, err, ErrDecodeFailed)
	})
}

func TestWriteRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	records := []Record{
		{"id": "C1", "email": "a@example.com", "price": json.Number("19.99")},
		{"id": "C2", "email": "b@example.com", "nested": map[string]any{"city": "Berlin"}},
	}

	tests := []struct {
		name    string
		suffix  string
		records []Record
	}{
		{name: "gzip lines", suffix: SuffixJSONLines, records: records},
		{name: "plain JSON many", suffix: SuffixJSON, records: records},
		{name: "plain JSON single", suffix: SuffixJSON, records: records[:1]},
	}

	c := newTestCodec()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputDir := filepath.Join(t.TempDir(), "date=2024-01-01", "hour=00")

			path, err := c.Write(tt.records, outputDir, "customers.json.gz", tt.suffix)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(outputDir, "customers"+tt.suffix), path)

			decoded, err := c.Extract(path)
			require.NoError(t, err)
			assert.JSONEq(t, toJSON(t, tt.records), toJSON(t, decoded))

			leftovers, err := filepath.Glob(filepath.Join(outputDir, ".*.tmp"))
			require.NoError(t, err)
			assert.Empty(t, leftovers)
		})
	}
}

func TestWriteEmptyIsNoop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	outputDir := filepath.Join(t.TempDir(), "date=2024-01-01", "hour=00")

	path, err := newTestCodec().Write(nil, outputDir, "customers", SuffixJSONLines)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = os.Stat(outputDir)
	assert.True(t, os.IsNotExist(err), "no directory should be created for empty output")
}

func TestWriteRejectsUnknownSuffix(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := newTestCodec().Write([]Record{{"id": "C1"}}, t.TempDir(), "customers", ".csv")
	require.ErrorIs(t, err, ErrUnsupportedSuffix)
}

func TestRewriteKeepsFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	c := newTestCodec()
	dir := t.TempDir()

	path, err := c.Write([]Record{{"id": "C1", "email": "a@example.com"}}, dir, "customers", SuffixJSONLines)
	require.NoError(t, err)

	require.NoError(t, c.Rewrite(path, []Record{{"id": "C1", "email": "hashed"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err, "rewritten file must still be gzip")
	_ = zr.Close()

	records, err := c.Extract(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hashed", records[0]["email"])
}
