package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStr(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("ETL_TEST_STR", "value")

	assert.Equal(t, "value", GetEnvStr("ETL_TEST_STR", "default"))
	assert.Equal(t, "default", GetEnvStr("ETL_TEST_STR_UNSET", "default"))
}

func TestGetEnvNumbers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name          string
		value         string
		expectedInt   int
		expectedFloat float64
	}{
		{name: "integer", value: "12", expectedInt: 12, expectedFloat: 12},
		{name: "fraction", value: "2.5", expectedInt: 7, expectedFloat: 2.5},
		{name: "garbage falls back", value: "many", expectedInt: 7, expectedFloat: 1.5},
		{name: "padded float", value: " 3 ", expectedInt: 7, expectedFloat: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ETL_TEST_NUMBER", tt.value)

			assert.Equal(t, tt.expectedInt, GetEnvInt("ETL_TEST_NUMBER", 7))
			assert.InDelta(t, tt.expectedFloat, GetEnvFloat("ETL_TEST_NUMBER", 1.5), 0.0001)
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		value    string
		expected bool
	}{
		{"true", true},
		{"YES", true},
		{"1", true},
		{"false", false},
		{"no", false},
		{"maybe", true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("ETL_TEST_BOOL", tt.value)
			assert.Equal(t, tt.expected, GetEnvBool("ETL_TEST_BOOL", true))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("ETL_TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("ETL_TEST_DURATION", time.Second))

	t.Setenv("ETL_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, GetEnvDuration("ETL_TEST_DURATION", time.Second))
}

func TestGetEnvLogLevel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		value    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" Warning ", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("ETL_TEST_LEVEL", tt.value)
			assert.Equal(t, tt.expected, GetEnvLogLevel("ETL_TEST_LEVEL", slog.LevelInfo))
		})
	}
}

func TestGetEnvList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("ETL_TEST_LIST", "kafka-1:9092, kafka-2:9092,,")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, GetEnvList("ETL_TEST_LIST", nil))

	t.Setenv("ETL_TEST_LIST", " , ")
	assert.Equal(t, []string{"localhost:9092"}, GetEnvList("ETL_TEST_LIST", []string{"localhost:9092"}))
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"a", "b"}, ParseCommaSeparatedList(" a ,b"))
}
