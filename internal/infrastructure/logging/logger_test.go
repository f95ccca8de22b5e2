package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"trailkeep/internal/testutils"
)

// Mock classified error for testing
type mockClassifiedError struct {
	message   string
	code      string
	retryable bool
	context   map[string]string
	timestamp time.Time
}

func (m *mockClassifiedError) Error() string {
	return m.message
}

func (m *mockClassifiedError) GetCode() string {
	return m.code
}

func (m *mockClassifiedError) IsRetryable() bool {
	return m.retryable
}

func (m *mockClassifiedError) GetContext() map[string]string {
	return m.context
}

func (m *mockClassifiedError) GetTimestamp() time.Time {
	return m.timestamp
}

func parseEntries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse JSON log entry: %v, output: %q", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()
	if logger == nil {
		t.Fatal("NewDefaultLogger() returned nil")
	}

	if _, ok := logger.(*DefaultLogger); !ok {
		t.Errorf("NewDefaultLogger() returned %T, expected *DefaultLogger", logger)
	}
}

func TestDefaultLogger_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug)

	tests := []struct {
		name           string
		logFunc        func(string, ...interface{})
		message        string
		fields         []interface{}
		levelToken     string
		expectedFields map[string]interface{}
	}{
		{
			name:           "Debug",
			logFunc:        logger.Debug,
			message:        "debug message",
			fields:         []interface{}{"key", "value"},
			levelToken:     "DEBUG",
			expectedFields: map[string]interface{}{"key": "value"},
		},
		{
			name:           "Info",
			logFunc:        logger.Info,
			message:        "info message",
			fields:         []interface{}{"count", 42},
			levelToken:     "INFO",
			expectedFields: map[string]interface{}{"count": float64(42)}, // JSON numbers are float64
		},
		{
			name:           "Warn",
			logFunc:        logger.Warn,
			message:        "warn message",
			fields:         []interface{}{"delay", 2 * time.Second},
			levelToken:     "WARN",
			expectedFields: map[string]interface{}{"delay": "2s"},
		},
		{
			name:           "Error",
			logFunc:        logger.Error,
			message:        "error message",
			fields:         []interface{}{"error", errors.New("test error")},
			levelToken:     "ERROR",
			expectedFields: map[string]interface{}{"error": "test error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(tt.message, tt.fields...)

			entries := parseEntries(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("Expected 1 entry, got %d", len(entries))
			}
			logEntry := entries[0]

			if logEntry["timestamp"] == nil {
				t.Error("Expected log entry to have timestamp field")
			}

			if logEntry["level"] != tt.levelToken {
				t.Errorf("Expected level %q, got %q", tt.levelToken, logEntry["level"])
			}

			if logEntry["message"] != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, logEntry["message"])
			}

			fields, ok := logEntry["fields"].(map[string]interface{})
			if !ok {
				t.Fatalf("Expected fields to be a map, got %T", logEntry["fields"])
			}

			for key, expectedValue := range tt.expectedFields {
				actualValue, exists := fields[key]
				if !exists {
					t.Errorf("Expected field %q to exist", key)
					continue
				}
				if actualValue != expectedValue {
					t.Errorf("Expected field %q to be %v, got %v", key, expectedValue, actualValue)
				}
			}
		})
	}
}

func TestDefaultLogger_MinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	entries := parseEntries(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries at warn and above, got %d", len(entries))
	}
	if entries[0]["level"] != "WARN" || entries[1]["level"] != "ERROR" {
		t.Errorf("Unexpected levels: %v, %v", entries[0]["level"], entries[1]["level"])
	}
}

func TestDefaultLogger_MalformedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelDebug)

	logger.Info("odd", 1, "value", "dangling")

	entries := parseEntries(t, &buf)
	fields := entries[0]["fields"].(map[string]interface{})
	if fields["field_0"] != float64(1) {
		t.Errorf("Expected non-string key to be indexed, got %v", fields)
	}
	if fields["field_0_value"] != "value" {
		t.Errorf("Expected indexed value, got %v", fields["field_0_value"])
	}
	if fields["field_1"] != "dangling" {
		t.Errorf("Expected dangling field, got %v", fields["field_1"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogError_WithClassifiedError(t *testing.T) {
	rec := &testutils.RecordingLogger{}

	classified := &mockClassifiedError{
		message:   "test storage error",
		code:      "BUSY",
		retryable: true,
		context:   map[string]string{"table": "activities", "id": "123"},
		timestamp: time.Now(),
	}

	context := map[string]interface{}{
		"additional": "context",
		"count":      5,
	}

	// Wrapped errors are still recognised
	LogError(rec, fmt.Errorf("outer: %w", classified), "test_operation", context)

	calls := rec.Calls("ERROR")
	if len(calls) != 1 {
		t.Fatalf("Expected 1 error call, got %d", len(calls))
	}

	call := calls[0]
	if !strings.Contains(call.Msg, "Storage error: outer: test storage error") {
		t.Errorf("Expected error message to contain storage error, got %q", call.Msg)
	}

	fieldsMap, err := call.FieldMap()
	if err != nil {
		t.Fatal(err)
	}

	expectedFields := map[string]interface{}{
		"operation":  "test_operation",
		"error_code": "BUSY",
		"retryable":  true,
		"table":      "activities",
		"id":         "123",
		"additional": "context",
		"count":      5,
	}

	for key, expected := range expectedFields {
		if actual, exists := fieldsMap[key]; !exists {
			t.Errorf("Expected field %q not found in log call", key)
		} else if actual != expected {
			t.Errorf("Field %q: expected %v, got %v", key, expected, actual)
		}
	}
}

func TestLogError_WithRegularError(t *testing.T) {
	rec := &testutils.RecordingLogger{}

	LogError(rec, errors.New("regular error"), "test_operation", map[string]interface{}{"context": "value"})

	calls := rec.Calls("ERROR")
	if len(calls) != 1 {
		t.Fatalf("Expected 1 error call, got %d", len(calls))
	}

	if !strings.Contains(calls[0].Msg, "Operation failed: regular error") {
		t.Errorf("Expected error message to contain the cause, got %q", calls[0].Msg)
	}

	fieldsMap, err := calls[0].FieldMap()
	if err != nil {
		t.Fatal(err)
	}
	if fieldsMap["operation"] != "test_operation" {
		t.Errorf("Expected operation field to be 'test_operation', got %v", fieldsMap["operation"])
	}
	if fieldsMap["context"] != "value" {
		t.Errorf("Expected context field to be 'value', got %v", fieldsMap["context"])
	}
}

func TestLogOperation(t *testing.T) {
	rec := &testutils.RecordingLogger{}

	LogOperation(rec, "insert_activity", 150*time.Millisecond, map[string]interface{}{
		"rows_affected": 5,
	})

	calls := rec.Calls("DEBUG")
	if len(calls) != 1 {
		t.Fatalf("Expected 1 debug call, got %d", len(calls))
	}

	fieldsMap, err := calls[0].FieldMap()
	if err != nil {
		t.Fatal(err)
	}
	if fieldsMap["duration_ms"] != int64(150) {
		t.Errorf("Expected duration_ms 150, got %v", fieldsMap["duration_ms"])
	}
	if fieldsMap["rows_affected"] != 5 {
		t.Errorf("Expected rows_affected 5, got %v", fieldsMap["rows_affected"])
	}
}
