package signal

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

// Handlers holds the client's per-event callbacks. Nil callbacks are
// skipped. Callbacks run on the client's single read loop, so within one
// client they are never concurrent and observe events in arrival order.
type Handlers struct {
	OnWelcome           func(connID string)
	OnRoomParticipants  func(roster []*room.Participant)
	OnRoomMessages      func(history []*store.Message)
	OnUserJoined        func(p *room.Participant)
	OnUserLeft          func(n UserLeftPayload)
	OnOffer             func(o RelayedOffer)
	OnAnswer            func(a RelayedAnswer)
	OnCandidate         func(c RelayedCandidate)
	OnNewMessage        func(msg *store.Message)
	OnUserMediaStatus   func(n UserMediaStatusPayload)
	OnUserScreenSharing func(n UserScreenSharingPayload)
	OnError             func(msg string)
}

// Client is one end of a signaling channel. It connects to a server's /ws
// endpoint, emits client events, and dispatches server events to its
// Handlers.
type Client struct {
	sock     *websocket.Conn
	handlers Handlers
	logger   *logrus.Entry

	writeMu sync.Mutex

	connMu sync.Mutex
	connID string

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling server at addr (host:port) and starts the
// read loop.
func Dial(addr string, handlers Handlers, logger *logrus.Entry) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	sock, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signal server %s: %w", u.String(), err)
	}

	c := &Client{
		sock:     sock,
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// ConnID returns the identifier the server assigned to this connection, or
// the empty string before the welcome event has arrived.
func (c *Client) ConnID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connID
}

// Done is closed when the read loop exits, whether by Close or by the
// server going away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. The read loop exits shortly after.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.sock.Close()
	})
	return err
}

/*******************************************************************************
* Emitters
*******************************************************************************/

// JoinRoom enters a room. The server answers with room-participants and
// room-messages; joining a second room implicitly leaves the first.
func (c *Client) JoinRoom(roomID, userID, userName string) error {
	return c.emit(EventJoinRoom, JoinRoomPayload{
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
	})
}

func (c *Client) LeaveRoom() error {
	return c.emit(EventLeaveRoom, nil)
}

func (c *Client) SendOffer(to string, sdp SessionDescription) error {
	return c.emit(EventOffer, OfferPayload{To: to, SDP: sdp})
}

func (c *Client) SendAnswer(to string, sdp SessionDescription) error {
	return c.emit(EventAnswer, AnswerPayload{To: to, SDP: sdp})
}

func (c *Client) SendCandidate(to string, candidate Candidate) error {
	return c.emit(EventIceCandidate, CandidatePayload{To: to, Candidate: candidate})
}

func (c *Client) SendChat(content string) error {
	return c.emit(EventChatMessage, ChatMessagePayload{Content: content})
}

func (c *Client) SendMediaStatus(audio, video bool) error {
	return c.emit(EventMediaStatus, MediaStatusPayload{Audio: audio, Video: video})
}

func (c *Client) SetScreenSharing(sharing bool) error {
	if sharing {
		return c.emit(EventScreenShareStarted, nil)
	}
	return c.emit(EventScreenShareStopped, nil)
}

func (c *Client) emit(event Event, payload interface{}) error {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling %s: %w", event, err)
		}
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteMessage(websocket.TextMessage, raw)
}

/*******************************************************************************
* Read loop
*******************************************************************************/

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Signal connection lost")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.WithError(err).Debug("Dropping malformed frame")
			continue
		}

		c.dispatch(env)
	}
}

// dispatch decodes a server event and invokes its callback. Decoding is
// deliberately lenient; unknown fields from a newer server are ignored.
func (c *Client) dispatch(env Envelope) {
	decode := func(v interface{}) bool {
		if err := json.Unmarshal(env.Data, v); err != nil {
			c.logger.WithError(err).WithField("event", env.Event).Debug("Dropping malformed payload")
			return false
		}
		return true
	}

	switch env.Event {
	case EventWelcome:
		var w WelcomePayload
		if decode(&w) {
			c.connMu.Lock()
			c.connID = w.ConnID
			c.connMu.Unlock()
			if c.handlers.OnWelcome != nil {
				c.handlers.OnWelcome(w.ConnID)
			}
		}
	case EventRoomParticipants:
		var roster []*room.Participant
		if decode(&roster) && c.handlers.OnRoomParticipants != nil {
			c.handlers.OnRoomParticipants(roster)
		}
	case EventRoomMessages:
		var history []*store.Message
		if decode(&history) && c.handlers.OnRoomMessages != nil {
			c.handlers.OnRoomMessages(history)
		}
	case EventUserJoined:
		var p room.Participant
		if decode(&p) && c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(&p)
		}
	case EventUserLeft:
		var n UserLeftPayload
		if decode(&n) && c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(n)
		}
	case EventOffer:
		var o RelayedOffer
		if decode(&o) && c.handlers.OnOffer != nil {
			c.handlers.OnOffer(o)
		}
	case EventAnswer:
		var a RelayedAnswer
		if decode(&a) && c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(a)
		}
	case EventIceCandidate:
		var cand RelayedCandidate
		if decode(&cand) && c.handlers.OnCandidate != nil {
			c.handlers.OnCandidate(cand)
		}
	case EventNewMessage:
		var msg store.Message
		if decode(&msg) && c.handlers.OnNewMessage != nil {
			c.handlers.OnNewMessage(&msg)
		}
	case EventUserMediaStatus:
		var n UserMediaStatusPayload
		if decode(&n) && c.handlers.OnUserMediaStatus != nil {
			c.handlers.OnUserMediaStatus(n)
		}
	case EventUserScreenSharing:
		var n UserScreenSharingPayload
		if decode(&n) && c.handlers.OnUserScreenSharing != nil {
			c.handlers.OnUserScreenSharing(n)
		}
	case EventError:
		var e ErrorPayload
		if decode(&e) && c.handlers.OnError != nil {
			c.handlers.OnError(e.Message)
		}
	default:
		c.logger.WithField("event", env.Event).Debug("Ignoring unknown event")
	}
}
