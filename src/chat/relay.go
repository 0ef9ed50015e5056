// Package chat persists and fans out room chat messages.
package chat

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

// Sender delivers chat results to connected clients. The signaling server
// implements it.
type Sender interface {
	// NewMessage broadcasts a stored message to every member of the room,
	// including the sender.
	NewMessage(roomID string, msg *store.Message)
	// ChatError reports a failed send to the originating connection only.
	ChatError(connID string, msg string)
}

// Relay appends chat messages to the store and broadcasts the stored row.
// The broadcast carries the store's canonical record, so every member,
// sender included, renders the same id and timestamp.
type Relay struct {
	store  store.Store
	sender Sender
	logger *logrus.Entry
}

func NewRelay(s store.Store, sender Sender, logger *logrus.Entry) *Relay {
	return &Relay{
		store:  s,
		sender: sender,
		logger: logger,
	}
}

// Send persists a message from the given participant and broadcasts it to
// the room. When persistence fails nothing is broadcast; the sender alone
// receives an error event.
func (r *Relay) Send(ctx context.Context, roomID string, from *room.Participant, content string) error {
	msg, err := r.store.SaveMessage(ctx, roomID, from.UserID, from.Name, content)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"room": roomID,
			"user": from.UserID,
		}).Error("Saving chat message")
		r.sender.ChatError(from.ConnID, "failed to send message")
		return err
	}

	r.sender.NewMessage(roomID, msg)

	return nil
}
