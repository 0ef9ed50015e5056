package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

type recordingSender struct {
	broadcasts []*store.Message
	errors     []string
	errorConns []string
}

func (r *recordingSender) NewMessage(roomID string, msg *store.Message) {
	r.broadcasts = append(r.broadcasts, msg)
}

func (r *recordingSender) ChatError(connID string, msg string) {
	r.errorConns = append(r.errorConns, connID)
	r.errors = append(r.errors, msg)
}

type brokenStore struct {
	*store.InmemStore
}

func (b *brokenStore) SaveMessage(ctx context.Context, roomID, userID, userName, content string) (*store.Message, error) {
	return nil, fmt.Errorf("connection refused")
}

func TestRelayBroadcastsStoredRow(t *testing.T) {
	s := store.NewInmemStore(100)
	sender := &recordingSender{}
	relay := NewRelay(s, sender, common.NewTestEntry(t, "chat"))

	from := room.NewParticipant("conn1", "u1", "Alice")
	if err := relay.Send(context.Background(), "room1", from, "hello"); err != nil {
		t.Fatal(err)
	}

	if len(sender.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sender.broadcasts))
	}
	msg := sender.broadcasts[0]
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("broadcast is not the canonical stored row: %+v", msg)
	}
	if msg.UserName != "Alice" || msg.Content != "hello" {
		t.Fatalf("bad message: %+v", msg)
	}

	stored, err := s.RoomMessages(context.Background(), "room1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != msg.ID {
		t.Fatalf("store and broadcast disagree: %+v vs %+v", stored, msg)
	}
}

func TestRelayStoreFailure(t *testing.T) {
	sender := &recordingSender{}
	relay := NewRelay(&brokenStore{store.NewInmemStore(100)}, sender, common.NewTestEntry(t, "chat"))

	from := room.NewParticipant("conn1", "u1", "Alice")
	if err := relay.Send(context.Background(), "room1", from, "hello"); err == nil {
		t.Fatal("expected error")
	}

	if len(sender.broadcasts) != 0 {
		t.Fatalf("nothing should be broadcast on failure, got %d", len(sender.broadcasts))
	}
	if len(sender.errorConns) != 1 || sender.errorConns[0] != "conn1" {
		t.Fatalf("error should reach the sender only: %+v", sender.errorConns)
	}
}
