package message

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"valid simple", "hello world", "hello world", nil},
		{"trims whitespace", "  hello  ", "hello", nil},
		{"exact max length", strings.Repeat("a", MaxContentLength), strings.Repeat("a", MaxContentLength), nil},
		{"multibyte at limit", strings.Repeat("日", MaxContentLength), strings.Repeat("日", MaxContentLength), nil},
		{"empty after trim", "   ", "", ErrEmptyContent},
		{"empty string", "", "", ErrEmptyContent},
		{"exceeds max length", strings.Repeat("a", MaxContentLength+1), "", ErrContentTooLong},
		{"multibyte exceeds max", strings.Repeat("日", MaxContentLength+1), "", ErrContentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateContent(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ValidateContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsEdited(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		updatedAt time.Time
		want      bool
	}{
		{"untouched", created, false},
		{"within write skew", created.Add(time.Second), false},
		{"just past threshold", created.Add(2*time.Second + time.Millisecond), true},
		{"real edit", created.Add(5 * time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := &Message{CreatedAt: created, UpdatedAt: tt.updatedAt}
			if got := m.IsEdited(); got != tt.want {
				t.Errorf("IsEdited() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWire(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attachment := "uploads/img.png"
	attachmentType := "image"
	m := &Message{
		ID:                42,
		RoomID:            7,
		SenderID:          9,
		Content:           "hi",
		Attachment:        &attachment,
		AttachmentType:    &attachmentType,
		CreatedAt:         created,
		UpdatedAt:         created.Add(10 * time.Minute),
		SenderUsername:    "alice",
		SenderDisplayName: "Alice P",
	}

	w := m.Wire("client-abc")
	if w.ID != 42 || w.RoomID != 7 {
		t.Errorf("ids = %d, %d", w.ID, w.RoomID)
	}
	if w.Sender.ID != 9 || w.Sender.Name != "Alice P" {
		t.Errorf("sender = %+v", w.Sender)
	}
	if !w.IsEdited {
		t.Error("IsEdited = false, want true")
	}
	if w.Attachment == nil || *w.Attachment != attachment {
		t.Errorf("Attachment = %v", w.Attachment)
	}
	if w.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("CreatedAt = %q", w.CreatedAt)
	}
	if w.ClientID != "client-abc" {
		t.Errorf("ClientID = %q", w.ClientID)
	}

	// Broadcast copies for other recipients omit the client id.
	if got := m.Wire(""); got.ClientID != "" {
		t.Errorf("ClientID = %q, want empty", got.ClientID)
	}
}

func TestSenderNameFallsBackToUsername(t *testing.T) {
	t.Parallel()

	m := &Message{SenderUsername: "alice"}
	if got := m.SenderName(); got != "alice" {
		t.Errorf("SenderName() = %q, want alice", got)
	}
}
