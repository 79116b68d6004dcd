package notification

import (
	"strings"
	"testing"
)

func TestPreviewStripsMarkup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"strips tags", "<b>hello</b> <i>world</i>", "hello world"},
		{"strips script", `<script>alert("x")</script>hi`, "hi"},
		{"trims whitespace", "  hi  ", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Preview(tt.input); got != tt.want {
				t.Errorf("Preview(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 250)
	got := Preview(long)
	if len([]rune(got)) != previewLimit {
		t.Errorf("len(Preview) = %d, want %d", len([]rune(got)), previewLimit)
	}

	// Truncation counts runes, not bytes.
	multibyte := strings.Repeat("日", 150)
	got = Preview(multibyte)
	if len([]rune(got)) != previewLimit {
		t.Errorf("len(Preview) multibyte = %d runes, want %d", len([]rune(got)), previewLimit)
	}
}

func TestBody(t *testing.T) {
	t.Parallel()

	if got := Body("Alice P"); got != "New message from Alice P" {
		t.Errorf("Body() = %q", got)
	}
}
