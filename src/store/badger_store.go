package store

import (
	"context"
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	cm "github.com/huddlemesh/huddle/src/common"
)

const (
	roomPrefix    = "room"
	messagePrefix = "message"
)

// BadgerStore persists rooms and messages in a badger database, with an
// InmemStore acting as a write-through cache. Room history survives process
// restarts, unlike the registry's live participant state.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore opens, or creates, a badger database at path.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}

	return store, nil
}

// Path returns the location of the database files.
func (s *BadgerStore) Path() string {
	return s.path
}

// CreateRoom implements the Store interface.
func (s *BadgerStore) CreateRoom(ctx context.Context, name, hostID string) (*Room, error) {
	room, err := s.inmemStore.CreateRoom(ctx, name, hostID)
	if err != nil {
		return nil, err
	}

	if err := s.dbSetRoom(room); err != nil {
		return nil, err
	}

	return room, nil
}

// GetRoom implements the Store interface. It checks the cache first and falls
// back to the database.
func (s *BadgerStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	room, err := s.inmemStore.GetRoom(ctx, id)
	if err == nil {
		return room, nil
	}

	room, err = s.dbGetRoom(id)
	if err != nil {
		return nil, err
	}

	s.inmemStore.setRoom(room)

	return room, nil
}

// SaveMessage implements the Store interface.
func (s *BadgerStore) SaveMessage(ctx context.Context, roomID, userID, userName, content string) (*Message, error) {
	message, err := s.inmemStore.SaveMessage(ctx, roomID, userID, userName, content)
	if err != nil {
		return nil, err
	}

	if err := s.dbSetMessage(message); err != nil {
		return nil, err
	}

	return message, nil
}

// RoomMessages implements the Store interface. History is served from the
// cache when warm, otherwise read from the database in key order, which is
// creation order.
func (s *BadgerStore) RoomMessages(ctx context.Context, roomID string) ([]*Message, error) {
	cached, err := s.inmemStore.RoomMessages(ctx, roomID)
	if err == nil && len(cached) > 0 {
		return cached, nil
	}

	messages, err := s.dbGetMessages(roomID)
	if err != nil {
		return nil, err
	}

	if len(messages) > 0 {
		s.inmemStore.setMessages(roomID, messages)
	}

	return messages, nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

/*******************************************************************************
* DB Methods
*******************************************************************************/

func roomKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", roomPrefix, id))
}

// messageKey embeds the creation timestamp so that a prefix scan returns
// messages in creation order.
func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("%s_%s_%020d_%s",
		messagePrefix, m.RoomID, m.CreatedAt.UnixNano(), m.ID))
}

func messageRoomPrefix(roomID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_", messagePrefix, roomID))
}

func (s *BadgerStore) dbSetRoom(room *Room) error {
	data, err := room.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(roomKey(room.ID), data)
	})
}

func (s *BadgerStore) dbGetRoom(id string) (*Room, error) {
	var data []byte

	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(roomKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, cm.NewStoreErr("Room", cm.KeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	room := new(Room)
	if err := room.Unmarshal(data); err != nil {
		return nil, err
	}

	return room, nil
}

func (s *BadgerStore) dbSetMessage(message *Message) error {
	data, err := message.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(messageKey(message), data)
	})
}

func (s *BadgerStore) dbGetMessages(roomID string) ([]*Message, error) {
	messages := []*Message{}
	prefix := messageRoomPrefix(roomID)

	err := s.db.View(func(tx *badger.Txn) error {
		it := tx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			message := new(Message)
			if err := message.Unmarshal(data); err != nil {
				return err
			}

			messages = append(messages, message)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}
