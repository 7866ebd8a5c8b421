// Package codec reads and writes dataset files.
//
// Two encodings are recognized, selected by file suffix:
//
//	.json.gz  gzip-compressed, one JSON document per line
//	.json     plain JSON; a single document or a stream of documents
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// SuffixJSONLines marks gzip-compressed line-delimited JSON.
	SuffixJSONLines = ".json.gz"
	// SuffixJSON marks plain JSON.
	SuffixJSON = ".json"

	// DocumentField holds a decoded document that is not a JSON object. Such records
	// carry no other attribute and fail any object schema.
	DocumentField = "$document"

	maxLineSize = 16 * 1024 * 1024
	filePerm    = 0o644
	dirPerm     = 0o755
)

var (
	// ErrDecodeFailed is returned when a dataset file is not syntactically valid JSON.
	ErrDecodeFailed = errors.New("dataset decode failed")

	// ErrEncodeFailed is returned when records cannot be written.
	ErrEncodeFailed = errors.New("dataset encode failed")

	// ErrUnsupportedSuffix is returned when a write targets an unknown suffix.
	ErrUnsupportedSuffix = errors.New("unsupported dataset suffix")
)

// Record is one decoded dataset document. Numbers are kept as json.Number so values
// survive a read/write cycle without float rounding.
type Record map[string]any

// Document returns the raw value of a record decoded from a non-object document.
func (r Record) Document() (any, bool) {
	if len(r) != 1 {
		return nil, false
	}

	doc, ok := r[DocumentField]

	return doc, ok
}

// Format is the on-disk encoding of a dataset file.
type Format int

const (
	// FormatUnknown is any suffix the codec does not handle.
	FormatUnknown Format = iota
	// FormatJSONLines is gzip-compressed line-delimited JSON.
	FormatJSONLines
	// FormatJSON is plain JSON.
	FormatJSON
)

// FormatOf returns the format implied by a file name.
func FormatOf(name string) Format {
	switch {
	case strings.HasSuffix(name, SuffixJSONLines):
		return FormatJSONLines
	case strings.HasSuffix(name, SuffixJSON):
		return FormatJSON
	default:
		return FormatUnknown
	}
}

// Supported reports whether name carries a recognized dataset suffix.
func Supported(name string) bool {
	return FormatOf(name) != FormatUnknown
}

// BaseName strips every extension from a dataset name: "customers.json.gz" becomes "customers".
func BaseName(name string) string {
	name = filepath.Base(name)
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}

	return name
}

// Codec decodes and encodes dataset files.
type Codec struct {
	logger *slog.Logger
}

// New creates a Codec.
func New(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}

	return &Codec{logger: logger}
}

// Extract reads every record of the file at path.
//
// A missing file yields no records and no error. So does an unrecognized suffix,
// which is logged at warn level.
func (c *Codec) Extract(path string) ([]Record, error) {
	format := FormatOf(path)
	if format == FormatUnknown {
		c.logger.Warn("Unsupported dataset file, skipping", slog.String("path", path))

		return []Record{}, nil
	}

	f, err := os.Open(path) //nolint:gosec // paths come from the partition store
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug("Dataset file not found", slog.String("path", path))

			return []Record{}, nil
		}

		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	defer func() {
		_ = f.Close()
	}()

	var records []Record

	switch format {
	case FormatJSONLines:
		records, err = decodeLines(f)
	default:
		records, err = decodeStream(f)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecodeFailed, path, err)
	}

	c.logger.Debug("Extracted dataset file",
		slog.String("path", path),
		slog.Int("records", len(records)))

	return records, nil
}

// Write encodes records into outputDir as <base name of dataset><suffix> and returns the
// path written. Nothing is written, and "" is returned, when records is empty.
func (c *Codec) Write(records []Record, outputDir, dataset, suffix string) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	if !Supported(suffix) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSuffix, suffix)
	}

	if err := os.MkdirAll(outputDir, dirPerm); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	path := filepath.Join(outputDir, BaseName(dataset)+suffix)
	if err := writeAtomic(path, records); err != nil {
		return "", err
	}

	c.logger.Debug("Wrote dataset file",
		slog.String("path", path),
		slog.Int("records", len(records)))

	return path, nil
}

// Rewrite replaces the content of an existing dataset file with records, keeping the
// encoding implied by its suffix.
func (c *Codec) Rewrite(path string, records []Record) error {
	if !Supported(path) {
		return fmt.Errorf("%w: %q", ErrUnsupportedSuffix, path)
	}

	return writeAtomic(path, records)
}

func decodeLines(r io.Reader) ([]Record, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = zr.Close()
	}()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)

	records := []Record{}
	line := 0

	for scanner.Scan() {
		line++

		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		rec, err := decodeRecord(json.NewDecoder(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func decodeStream(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	records := []Record{}

	for {
		rec, err := decodeRecord(dec)
		if errors.Is(err, io.EOF) {
			return records, nil
		}

		if err != nil {
			return nil, fmt.Errorf("document %d: %w", len(records)+1, err)
		}

		records = append(records, rec)
	}
}

func decodeRecord(dec *json.Decoder) (Record, error) {
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	if obj, ok := doc.(map[string]any); ok {
		return obj, nil
	}

	return Record{DocumentField: doc}, nil
}

// writeAtomic encodes records into a temporary sibling of path and renames it into place.
func writeAtomic(path string, records []Record) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if FormatOf(path) == FormatJSONLines {
		err = encodeLines(tmp, records)
	} else {
		err = encodeDocuments(tmp, records)
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	if err = tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	return nil
}

func encodeLines(w io.Writer, records []Record) error {
	zw := gzip.NewWriter(w)
	if err := encodeDocuments(zw, records); err != nil {
		_ = zw.Close()

		return err
	}

	return zw.Close()
}

// encodeDocuments writes one compact document per line; a single record is a plain JSON file.
func encodeDocuments(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}

	return bw.Flush()
}
