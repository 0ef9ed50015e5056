// Package store persists conference rooms and chat messages. It is an
// external collaborator of the signaling core: the registry and relay only
// ever call the four operations of the Store interface, and treat every
// failure as scoped to the message or lookup that caused it.
package store

import (
	"bytes"
	"context"
	"time"

	"github.com/ugorji/go/codec"
)

// Room is a persisted room record. Live participant information is not stored
// here; it lives in the room registry and dies with the process.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostID    string    `json:"hostId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat message. The identifier and timestamp are
// assigned by the store on save; messages are immutable once created and are
// returned ordered by creation time ascending.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the interface of the room/message store backends.
type Store interface {
	CreateRoom(ctx context.Context, name, hostID string) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	SaveMessage(ctx context.Context, roomID, userID, userName, content string) (*Message, error)
	RoomMessages(ctx context.Context, roomID string) ([]*Message, error)
	Close() error
}

// Marshal returns the JSON encoding of the room.
func (r *Room) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true

	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a JSON encoded room.
func (r *Room) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)

	dec := codec.NewDecoder(b, jh)
	return dec.Decode(r)
}

// Marshal returns the JSON encoding of the message.
func (m *Message) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true

	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a JSON encoded message.
func (m *Message) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)

	dec := codec.NewDecoder(b, jh)
	return dec.Decode(m)
}
