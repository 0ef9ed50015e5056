package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	cm "github.com/huddlemesh/huddle/src/common"
)

// InmemStore keeps rooms and messages in memory. It is the default backend,
// and also serves as the write-through cache of the BadgerStore. Message
// history is capped at cacheSize entries per room; the oldest messages are
// evicted first.
type InmemStore struct {
	sync.RWMutex

	rooms     map[string]*Room
	messages  map[string][]*Message
	cacheSize int
}

// NewInmemStore instantiates an InmemStore. A cacheSize of zero or less means
// unbounded history.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		rooms:     make(map[string]*Room),
		messages:  make(map[string][]*Message),
		cacheSize: cacheSize,
	}
}

// CreateRoom implements the Store interface. It assigns the room identifier
// and creation timestamp.
func (s *InmemStore) CreateRoom(_ context.Context, name, hostID string) (*Room, error) {
	room := &Room{
		ID:        uuid.NewString(),
		Name:      name,
		HostID:    hostID,
		CreatedAt: time.Now().UTC(),
	}

	s.Lock()
	s.rooms[room.ID] = room
	s.Unlock()

	return room, nil
}

// GetRoom implements the Store interface.
func (s *InmemStore) GetRoom(_ context.Context, id string) (*Room, error) {
	s.RLock()
	defer s.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, cm.NewStoreErr("Room", cm.KeyNotFound, id)
	}

	res := *room
	return &res, nil
}

// SaveMessage implements the Store interface. It assigns the message
// identifier and creation timestamp.
func (s *InmemStore) SaveMessage(_ context.Context, roomID, userID, userName, content string) (*Message, error) {
	message := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.Lock()
	s.messages[roomID] = append(s.messages[roomID], message)
	if s.cacheSize > 0 && len(s.messages[roomID]) > s.cacheSize {
		s.messages[roomID] = s.messages[roomID][len(s.messages[roomID])-s.cacheSize:]
	}
	s.Unlock()

	return message, nil
}

// RoomMessages implements the Store interface. Messages are returned in
// creation order; an unknown room yields an empty history, not an error.
func (s *InmemStore) RoomMessages(_ context.Context, roomID string) ([]*Message, error) {
	s.RLock()
	defer s.RUnlock()

	history := s.messages[roomID]
	res := make([]*Message, len(history))
	copy(res, history)

	return res, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// setRoom and setMessages are used by the BadgerStore to warm the cache from
// the database.
func (s *InmemStore) setRoom(room *Room) {
	s.Lock()
	s.rooms[room.ID] = room
	s.Unlock()
}

func (s *InmemStore) setMessages(roomID string, messages []*Message) {
	s.Lock()
	if s.cacheSize > 0 && len(messages) > s.cacheSize {
		messages = messages[len(messages)-s.cacheSize:]
	}
	s.messages[roomID] = messages
	s.Unlock()
}
