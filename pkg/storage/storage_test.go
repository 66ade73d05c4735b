package storage

import (
	"testing"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/signal"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	store, err := NewSQLiteStorage(":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnsureDirectIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	id := signal.PairChannelID("alice", "bob")

	first, err := store.Conversations().EnsureDirect(id, "alice", "bob")
	if err != nil {
		t.Fatalf("EnsureDirect failed: %v", err)
	}
	if first.Kind != models.ConversationDirect {
		t.Errorf("Expected direct conversation, got %q", first.Kind)
	}

	second, err := store.Conversations().EnsureDirect(id, "bob", "alice")
	if err != nil {
		t.Fatalf("Second EnsureDirect failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the same conversation, got %q and %q", first.ID, second.ID)
	}

	conversations, err := store.Conversations().List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(conversations) != 1 {
		t.Errorf("Expected 1 conversation, got %d", len(conversations))
	}
}

func TestCreateRoomRequiresName(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.Conversations().CreateRoom(""); err == nil {
		t.Error("Expected empty room name to fail")
	}

	room, err := store.Conversations().CreateRoom("general")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if room.Kind != models.ConversationRoom {
		t.Errorf("Expected room conversation, got %q", room.Kind)
	}
}

func TestMessageAppendAndList(t *testing.T) {
	store := newTestStorage(t)

	room, err := store.Conversations().CreateRoom("general")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	for _, body := range []string{"first", "second", "third"} {
		if _, err := store.Messages().Append(room.ID, "alice", body); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	messages, err := store.Messages().List(room.ID, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(messages))
	}
	if messages[0].Body != "first" {
		t.Errorf("Expected oldest message first, got %q", messages[0].Body)
	}

	limited, err := store.Messages().List(room.ID, 2)
	if err != nil {
		t.Fatalf("Limited list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 messages with limit, got %d", len(limited))
	}

	count, err := store.Messages().Count(room.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected count 3, got %d", count)
	}
}

func TestMessageAppendValidation(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.Messages().Append("", "alice", "hi"); err == nil {
		t.Error("Expected empty conversation ID to fail")
	}
	if _, err := store.Messages().Append("conv", "", "hi"); err == nil {
		t.Error("Expected empty sender to fail")
	}
	if _, err := store.Messages().Append("conv", "alice", ""); err == nil {
		t.Error("Expected empty body to fail")
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	store := newTestStorage(t)

	room, err := store.Conversations().CreateRoom("general")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if _, err := store.Messages().Append(room.ID, "alice", "hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := store.Conversations().Delete(room.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Conversations().Get(room.ID); err == nil {
		t.Error("Expected deleted conversation to be gone")
	}
	count, err := store.Messages().Count(room.ID)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected messages deleted with conversation, got %d", count)
	}
}
