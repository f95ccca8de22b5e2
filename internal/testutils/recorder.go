package testutils

import (
	"fmt"
	"strings"
	"sync"
)

// LogCall is one recorded log invocation
type LogCall struct {
	Level  string
	Msg    string
	Fields []any
}

// FieldMap decodes the alternating key-value fields. An odd count or a
// non-string key is an error, as no logger in the module emits either.
func (c LogCall) FieldMap() (map[string]any, error) {
	if len(c.Fields)%2 != 0 {
		return nil, fmt.Errorf("%s %q: %d fields, want key-value pairs", c.Level, c.Msg, len(c.Fields))
	}
	out := make(map[string]any, len(c.Fields)/2)
	for i := 0; i < len(c.Fields); i += 2 {
		key, ok := c.Fields[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s %q: key %d is %T, want string", c.Level, c.Msg, i/2, c.Fields[i])
		}
		out[key] = c.Fields[i+1]
	}
	return out, nil
}

// RecordingLogger captures log calls for assertions. Safe for concurrent use.
type RecordingLogger struct {
	mu    sync.Mutex
	calls []LogCall
}

func (r *RecordingLogger) record(level, msg string, fields []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, LogCall{Level: level, Msg: msg, Fields: fields})
}

func (r *RecordingLogger) Debug(msg string, fields ...any) { r.record("DEBUG", msg, fields) }
func (r *RecordingLogger) Info(msg string, fields ...any)  { r.record("INFO", msg, fields) }
func (r *RecordingLogger) Warn(msg string, fields ...any)  { r.record("WARN", msg, fields) }
func (r *RecordingLogger) Error(msg string, fields ...any) { r.record("ERROR", msg, fields) }

// Calls returns the recorded calls at level, or all calls when level is empty
func (r *RecordingLogger) Calls(level string) []LogCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogCall
	for _, c := range r.calls {
		if level == "" || c.Level == level {
			out = append(out, c)
		}
	}
	return out
}

// Contains reports whether any call at level has a message containing substr
func (r *RecordingLogger) Contains(level, substr string) bool {
	for _, c := range r.Calls(level) {
		if strings.Contains(c.Msg, substr) {
			return true
		}
	}
	return false
}

// Printf lets the recorder stand in for a retry logger
func (r *RecordingLogger) Printf(format string, v ...any) {
	r.record("PRINTF", format, v)
}
