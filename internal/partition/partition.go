// Package partition models the date/hour partition layout shared by every dataset tree
// (raw input, processed output and archive).
//
// A partition directory is laid out as:
//
//	<root>/date=YYYY-MM-DD/hour=HH/<dataset files>
package partition

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	datePrefix = "date="
	hourPrefix = "hour="
	dateLayout = time.DateOnly
	hoursInDay = 24
)

var (
	// ErrInvalidPartition is returned when a directory name does not follow the date=/hour= layout.
	ErrInvalidPartition = errors.New("invalid partition directory")
)

// Partition identifies one hourly batch. Dates are always UTC midnight.
type Partition struct {
	Date time.Time
	Hour int
}

// New builds a partition from a calendar date and hour, dropping the time of day.
func New(date time.Time, hour int) Partition {
	y, m, d := date.Date()

	return Partition{
		Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Hour: hour,
	}
}

// FromTime returns the partition an instant falls into (in UTC).
func FromTime(t time.Time) Partition {
	t = t.UTC()

	return New(t, t.Hour())
}

// Parse builds a partition from its two directory names, e.g. "date=2024-01-15" and "hour=07".
func Parse(dateDir, hourDir string) (Partition, error) {
	if !strings.HasPrefix(dateDir, datePrefix) {
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidPartition, dateDir)
	}

	if !strings.HasPrefix(hourDir, hourPrefix) {
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidPartition, hourDir)
	}

	date, err := time.Parse(dateLayout, strings.TrimPrefix(dateDir, datePrefix))
	if err != nil {
		return Partition{}, fmt.Errorf("%w: %w", ErrInvalidPartition, err)
	}

	hourStr := strings.TrimPrefix(hourDir, hourPrefix)
	if len(hourStr) != 2 { //nolint:mnd // hours are always two digits
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidPartition, hourDir)
	}

	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour >= hoursInDay {
		return Partition{}, fmt.Errorf("%w: %q", ErrInvalidPartition, hourDir)
	}

	return New(date, hour), nil
}

// DateDir returns the "date=YYYY-MM-DD" directory name.
func (p Partition) DateDir() string {
	return datePrefix + p.Date.Format(dateLayout)
}

// HourDir returns the zero-padded "hour=HH" directory name.
func (p Partition) HourDir() string {
	return fmt.Sprintf("%s%02d", hourPrefix, p.Hour)
}

// Path returns the partition path relative to a dataset root.
func (p Partition) Path() string {
	return filepath.Join(p.DateDir(), p.HourDir())
}

// Dir returns the partition directory under root.
func (p Partition) Dir(root string) string {
	return filepath.Join(root, p.Path())
}

// LockKey names the exclusive lock guarding writes to this partition's output.
func (p Partition) LockKey() string {
	return "partition:" + p.DateDir() + "/" + p.HourDir()
}

// Before reports whether p sorts before other.
func (p Partition) Before(other Partition) bool {
	if !p.Date.Equal(other.Date) {
		return p.Date.Before(other.Date)
	}

	return p.Hour < other.Hour
}

func (p Partition) String() string {
	return p.DateDir() + "/" + p.HourDir()
}
