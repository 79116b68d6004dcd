package postgres

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestGooseLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		emit      func(gl gooseLogger)
		wantLevel string
		wantMsg   string
	}{
		{
			name:      "Printf logs at info",
			emit:      func(gl gooseLogger) { gl.Printf("applied migration %d", 7) },
			wantLevel: "info",
			wantMsg:   "applied migration 7",
		},
		{
			// goose's Fatalf must not kill the process; the error is surfaced to the caller instead.
			name:      "Fatalf logs at error",
			emit:      func(gl gooseLogger) { gl.Fatalf("migration %d failed: %s", 42, "syntax error") },
			wantLevel: "error",
			wantMsg:   "migration 42 failed: syntax error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			tt.emit(gooseLogger{log: zerolog.New(&buf)})

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("unmarshal log entry: %v", err)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %q, want %q", entry["level"], tt.wantLevel)
			}
			if entry["message"] != tt.wantMsg {
				t.Errorf("message = %q, want %q", entry["message"], tt.wantMsg)
			}
		})
	}
}
