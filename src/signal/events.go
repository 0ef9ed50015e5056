package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

// Event identifies a signaling event. The names and payload shapes below are
// the wire contract between server and clients.
type Event string

const (
	// Client to server.
	EventJoinRoom           Event = "join-room"
	EventLeaveRoom          Event = "leave-room"
	EventChatMessage        Event = "chat-message"
	EventMediaStatus        Event = "media-status"
	EventScreenShareStarted Event = "screen-share-started"
	EventScreenShareStopped Event = "screen-share-stopped"

	// Relayed point-to-point, both directions.
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventIceCandidate Event = "ice-candidate"

	// Server to client.
	EventWelcome           Event = "welcome"
	EventRoomParticipants  Event = "room-participants"
	EventRoomMessages      Event = "room-messages"
	EventUserJoined        Event = "user-joined"
	EventUserLeft          Event = "user-left"
	EventNewMessage        Event = "new-message"
	EventUserMediaStatus   Event = "user-media-status"
	EventUserScreenSharing Event = "user-screen-sharing"
	EventError             Event = "error"
)

// maxChatMessageLength bounds the content of a single chat message.
const maxChatMessageLength = 4096

// Envelope is the outer frame of every signaling message.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses and validates the outer frame of an inbound message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("missing event name")
	}
	return env, nil
}

// SessionDescription is a JSON-friendly representation of an SDP offer or
// answer. The package intentionally avoids depending on any WebRTC library
// type; it models the protocol surface, not the implementation.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a JSON-friendly representation of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

/*******************************************************************************
* Client to server payloads
*******************************************************************************/

// JoinRoomPayload registers the connection as a participant of a room.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func (p JoinRoomPayload) validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("join-room missing roomId")
	}
	if p.UserID == "" {
		return fmt.Errorf("join-room missing userId")
	}
	if p.UserName == "" {
		return fmt.Errorf("join-room missing userName")
	}
	return nil
}

// OfferPayload carries an SDP offer to the connection identified by To.
type OfferPayload struct {
	To  string             `json:"to"`
	SDP SessionDescription `json:"sdp"`
}

func (p OfferPayload) validate() error {
	if p.To == "" {
		return fmt.Errorf("offer missing target")
	}
	if p.SDP.Type != "offer" {
		return fmt.Errorf("offer has sdp.type=%q", p.SDP.Type)
	}
	if p.SDP.SDP == "" {
		return fmt.Errorf("offer missing sdp")
	}
	return nil
}

// AnswerPayload carries an SDP answer to the connection identified by To.
type AnswerPayload struct {
	To  string             `json:"to"`
	SDP SessionDescription `json:"sdp"`
}

func (p AnswerPayload) validate() error {
	if p.To == "" {
		return fmt.Errorf("answer missing target")
	}
	if p.SDP.Type != "answer" {
		return fmt.Errorf("answer has sdp.type=%q", p.SDP.Type)
	}
	if p.SDP.SDP == "" {
		return fmt.Errorf("answer missing sdp")
	}
	return nil
}

// CandidatePayload carries an ICE candidate to the connection identified by
// To. An empty candidate string is the end-of-candidates marker and is valid.
type CandidatePayload struct {
	To        string    `json:"to"`
	Candidate Candidate `json:"candidate"`
}

func (p CandidatePayload) validate() error {
	if p.To == "" {
		return fmt.Errorf("ice-candidate missing target")
	}
	return nil
}

// ChatMessagePayload submits a chat message to the sender's current room.
type ChatMessagePayload struct {
	Content string `json:"content"`
}

func (p ChatMessagePayload) validate() error {
	if p.Content == "" {
		return fmt.Errorf("chat-message missing content")
	}
	if len(p.Content) > maxChatMessageLength {
		return fmt.Errorf("chat-message content exceeds %d bytes", maxChatMessageLength)
	}
	return nil
}

// MediaStatusPayload reports the sender's mute state.
type MediaStatusPayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func (p MediaStatusPayload) validate() error {
	return nil
}

/*******************************************************************************
* Server to client payloads
*******************************************************************************/

// WelcomePayload tells a freshly opened connection its own identifier, which
// every relayed event names it by. Sent once, before any other event.
type WelcomePayload struct {
	ConnID string `json:"connectionId"`
}

// RelayedOffer is an offer as delivered to its target, tagged with the
// sender's connection identifier and participant record.
type RelayedOffer struct {
	From string             `json:"from"`
	SDP  SessionDescription `json:"sdp"`
	User *room.Participant  `json:"user,omitempty"`
}

// RelayedAnswer is an answer as delivered to its target.
type RelayedAnswer struct {
	From string             `json:"from"`
	SDP  SessionDescription `json:"sdp"`
}

// RelayedCandidate is an ICE candidate as delivered to its target.
type RelayedCandidate struct {
	From      string    `json:"from"`
	Candidate Candidate `json:"candidate"`
}

// UserLeftPayload is broadcast to the remaining members when a participant
// leaves or disconnects.
type UserLeftPayload struct {
	ConnID string            `json:"connectionId"`
	User   *room.Participant `json:"user"`
}

// UserMediaStatusPayload is the broadcast form of a media-status update.
type UserMediaStatusPayload struct {
	ConnID string `json:"connectionId"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
}

// UserScreenSharingPayload is the broadcast form of a screen-share
// started/stopped notification.
type UserScreenSharingPayload struct {
	ConnID  string            `json:"connectionId"`
	User    *room.Participant `json:"user"`
	Sharing bool              `json:"sharing"`
}

// ErrorPayload is an error event scoped to the receiving connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomMessagesPayload is the chat history sent to a new joiner.
type RoomMessagesPayload = []*store.Message

/*******************************************************************************
* Decoding
*******************************************************************************/

// decodeStrict decodes JSON rejecting unknown fields and trailing data, so
// malformed payloads are caught at the channel boundary before they reach
// room logic.
func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

type validator interface {
	validate() error
}

// decodePayload decodes an event payload into v and validates it. A missing
// payload is treated as the empty object, which suits events like leave-room
// that carry no data.
func decodePayload(data json.RawMessage, v validator) error {
	if len(data) > 0 {
		if err := decodeStrict(data, v); err != nil {
			return err
		}
	}
	return v.validate()
}
