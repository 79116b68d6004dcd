package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/huddlechat/huddle-server/internal/state"
	"github.com/huddlechat/huddle-server/internal/wire"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewStore(state.NewStore(rdb), 2*time.Hour, 10*time.Second)
}

func TestNoteLifecycle(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	note, err := store.Note(ctx, 1)
	if err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if note != nil {
		t.Errorf("Note() = %v, want nil", *note)
	}

	content := "meeting agenda"
	if err := store.SetNote(ctx, 1, &content); err != nil {
		t.Fatalf("SetNote() error = %v", err)
	}

	note, err = store.Note(ctx, 1)
	if err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if note == nil || *note != content {
		t.Errorf("Note() = %v, want %q", note, content)
	}

	// Nil content clears the note entirely.
	if err := store.SetNote(ctx, 1, nil); err != nil {
		t.Fatalf("SetNote(nil) error = %v", err)
	}
	note, err = store.Note(ctx, 1)
	if err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if note != nil {
		t.Errorf("Note() after clear = %v, want nil", *note)
	}
}

func TestNoteExpires(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()

	content := "stale"
	if err := store.SetNote(ctx, 1, &content); err != nil {
		t.Fatalf("SetNote() error = %v", err)
	}

	mr.FastForward(2*time.Hour + time.Second)

	note, err := store.Note(ctx, 1)
	if err != nil {
		t.Fatalf("Note() error = %v", err)
	}
	if note != nil {
		t.Errorf("Note() after TTL = %v, want nil", *note)
	}
}

func TestCursors(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()

	alice := wire.UserSnapshot{ID: 7, Name: "alice"}
	bob := wire.UserSnapshot{ID: 8, Name: "bob"}

	if err := store.SetCursor(ctx, 1, bob, json.RawMessage(`{"line":3}`)); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if err := store.SetCursor(ctx, 1, alice, json.RawMessage(`{"line":1}`)); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	cursors, err := store.Cursors(ctx, 1)
	if err != nil {
		t.Fatalf("Cursors() error = %v", err)
	}
	if len(cursors) != 2 {
		t.Fatalf("Cursors() returned %d entries, want 2", len(cursors))
	}
	if cursors[0].User.ID != 7 || cursors[1].User.ID != 8 {
		t.Errorf("Cursors() order = %d, %d, want 7, 8", cursors[0].User.ID, cursors[1].User.ID)
	}
	if string(cursors[0].Cursor) != `{"line":1}` {
		t.Errorf("cursor payload = %s", cursors[0].Cursor)
	}

	mr.FastForward(11 * time.Second)

	cursors, err = store.Cursors(ctx, 1)
	if err != nil {
		t.Fatalf("Cursors() error = %v", err)
	}
	if len(cursors) != 0 {
		t.Errorf("Cursors() after TTL = %+v, want empty", cursors)
	}
}
