package testutils

import (
	"sync"
	"testing"
)

func TestLogCall_FieldMap(t *testing.T) {
	tests := []struct {
		name    string
		fields  []any
		want    map[string]any
		wantErr bool
	}{
		{name: "no fields", want: map[string]any{}},
		{
			name:   "pairs",
			fields: []any{"activity_id", "a1", "points", 12, "restored", true},
			want:   map[string]any{"activity_id": "a1", "points": 12, "restored": true},
		},
		{name: "dangling key", fields: []any{"activity_id", "a1", "points"}, wantErr: true},
		{name: "non-string key", fields: []any{7, "a1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LogCall{Level: "INFO", Msg: "Tracking resumed", Fields: tt.fields}.FieldMap()
			if (err != nil) != tt.wantErr {
				t.Fatalf("FieldMap() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Errorf("FieldMap() has %d keys, want %d", len(got), len(tt.want))
			}
			for key, want := range tt.want {
				if got[key] != want {
					t.Errorf("field %q = %v, want %v", key, got[key], want)
				}
			}
		})
	}
}

func TestRecordingLogger_FiltersByLevel(t *testing.T) {
	rec := &RecordingLogger{}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Info("Tracking state saved for recovery", "points", 3)
		}()
	}
	wg.Wait()
	rec.Warn("Heartbeat too old for recovery")
	rec.Printf("retrying %s", "upload")

	if got := len(rec.Calls("INFO")); got != 10 {
		t.Errorf("INFO calls = %d, want 10", got)
	}
	if got := len(rec.Calls("")); got != 12 {
		t.Errorf("all calls = %d, want 12", got)
	}
	if !rec.Contains("WARN", "too old") || rec.Contains("ERROR", "too old") {
		t.Error("Contains matched the wrong level")
	}
}
