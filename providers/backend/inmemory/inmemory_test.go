package inmemory

import (
	"context"
	"testing"

	"github.com/leofalp/chatcheckpoint/core/backend"
	"github.com/leofalp/chatcheckpoint/core/backend/backendtest"
	"github.com/leofalp/chatcheckpoint/core/session"
)

func TestStore_Contract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

// TestStore_StoredMessageIsolated verifies that mutating the message passed
// to AppendMessage after the call does not alter stored history.
func TestStore_StoredMessageIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()

	msg := backendtest.Message(session.RoleUser, "Hi", 0)
	msg.Metadata = map[string]any{"k": "v"}
	if err := store.AppendMessage(ctx, "s1", "u1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	msg.Metadata["k"] = "changed"

	got, err := store.ReadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0].Metadata["k"] != "v" {
		t.Fatalf("stored metadata changed through caller's map: %v", got[0].Metadata)
	}
}

func TestStore_ReadHistoryNonPositiveLimit(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.AppendSnapshot(ctx, backendtest.Snapshot("s1", "u1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	page, err := store.ReadHistory(ctx, "s1", 0, 0)
	if err != nil || page == nil || len(page) != 0 {
		t.Fatalf("expected empty non-nil page, got %v, %v", page, err)
	}
}
