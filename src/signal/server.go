// Package signal implements the WebSocket signaling channel: room membership
// events, point-to-point SDP/ICE relay, and chat fan-out.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/chat"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

// Server owns every live signaling connection. It implements room.Notifier,
// translating registry membership changes into events for the other members,
// and chat.Sender for message fan-out. All outbound delivery goes through
// per-connection buffered queues, so notifier callbacks never block even
// though the registry invokes them under its lock.
type Server struct {
	store    store.Store
	registry *room.Registry
	relay    *chat.Relay
	upgrader websocket.Upgrader
	logger   *logrus.Entry

	connsMu sync.RWMutex
	conns   map[string]*conn
}

// NewServer instantiates a signaling server together with its room registry
// and chat relay.
func NewServer(s store.Store, logger *logrus.Entry) *Server {
	srv := &Server{
		store: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*conn),
	}

	srv.registry = room.NewRegistry(srv, logger)
	srv.relay = chat.NewRelay(s, srv, logger)

	return srv
}

// Registry exposes the server's room registry for read-only inspection by
// the HTTP service.
func (s *Server) Registry() *room.Registry {
	return s.registry
}

// ConnectionCount returns the number of live signaling connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	return len(s.conns)
}

// RegisterRoutes mounts the signaling endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.ServeWS)
}

// ServeWS upgrades the request to a WebSocket, assigns the connection its
// identifier, and starts its pumps.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Upgrading connection")
		return
	}

	c := &conn{
		id:     uuid.New().String(),
		server: s,
		sock:   sock,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.logger = s.logger.WithField("conn", c.id)

	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()

	c.logger.WithField("remote", r.RemoteAddr).Debug("Connection opened")

	// Clients need their own identifier to recognize themselves in relayed
	// events, since relay targets and sources are named by connection ID.
	// Queued before the read pump starts so it is always the first event.
	c.sendEvent(EventWelcome, WelcomePayload{ConnID: c.id})

	go c.writePump()
	go c.readPump()
}

// Shutdown closes every live connection. In-flight dispatches finish; the
// read pumps then observe the closed sockets and run the normal disconnect
// path.
func (s *Server) Shutdown() {
	s.connsMu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// disconnect runs when a connection's read pump exits. It synthesizes a
// leave-room for connections that were still in a room, so the remaining
// members always observe a departure, whether the client left cleanly or
// just vanished.
func (s *Server) disconnect(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()

	c.close()
	s.leaveCurrentRoom(c)

	c.logger.Debug("Connection closed")
}

/*******************************************************************************
* Inbound dispatch
*******************************************************************************/

func (s *Server) dispatch(c *conn, env Envelope) {
	switch env.Event {
	case EventJoinRoom:
		s.handleJoinRoom(c, env.Data)
	case EventLeaveRoom:
		s.leaveCurrentRoom(c)
	case EventOffer:
		s.handleOffer(c, env.Data)
	case EventAnswer:
		s.handleAnswer(c, env.Data)
	case EventIceCandidate:
		s.handleCandidate(c, env.Data)
	case EventChatMessage:
		s.handleChatMessage(c, env.Data)
	case EventMediaStatus:
		s.handleMediaStatus(c, env.Data)
	case EventScreenShareStarted:
		s.handleScreenShare(c, true)
	case EventScreenShareStopped:
		s.handleScreenShare(c, false)
	default:
		c.logger.WithField("event", env.Event).Debug("Unsupported event")
		c.sendError("unsupported event")
	}
}

// handleJoinRoom registers the connection in the requested room and primes
// the joiner with the current roster and the room's chat history. A
// connection already in a room implicitly leaves it first.
func (s *Server) handleJoinRoom(c *conn, data json.RawMessage) {
	var p JoinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting join-room")
		c.sendError("invalid join-room payload")
		return
	}

	c.roomMu.Lock()
	defer c.roomMu.Unlock()

	if c.roomID != "" {
		s.registry.Leave(c.roomID, c.id)
		c.roomID = ""
	}

	participant := room.NewParticipant(c.id, p.UserID, p.UserName)
	roster := s.registry.Join(p.RoomID, participant)
	c.roomID = p.RoomID

	c.sendEvent(EventRoomParticipants, roster)

	// History is fetched outside any registry lock; a store failure
	// degrades to an empty history rather than failing the join.
	history, err := s.store.RoomMessages(context.Background(), p.RoomID)
	if err != nil {
		c.logger.WithError(err).WithField("room", p.RoomID).Error("Fetching chat history")
		history = RoomMessagesPayload{}
	}
	c.sendEvent(EventRoomMessages, RoomMessagesPayload(history))
}

// leaveCurrentRoom removes the connection from its room, if any. It backs
// both the explicit leave-room event and the disconnect path, and is
// idempotent, so a leave-room followed by a disconnect yields exactly one
// departure broadcast.
func (s *Server) leaveCurrentRoom(c *conn) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()

	if c.roomID == "" {
		return
	}

	s.registry.Leave(c.roomID, c.id)
	c.roomID = ""
}

func (s *Server) handleOffer(c *conn, data json.RawMessage) {
	var p OfferPayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting offer")
		c.sendError("invalid offer payload")
		return
	}

	// The relayed offer carries the sender's participant record so the
	// target can render the new peer before the media arrives.
	s.sendTo(c, p.To, EventOffer, RelayedOffer{
		From: c.id,
		SDP:  p.SDP,
		User: s.registry.Participant(c.room(), c.id),
	})
}

func (s *Server) handleAnswer(c *conn, data json.RawMessage) {
	var p AnswerPayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting answer")
		c.sendError("invalid answer payload")
		return
	}

	s.sendTo(c, p.To, EventAnswer, RelayedAnswer{From: c.id, SDP: p.SDP})
}

func (s *Server) handleCandidate(c *conn, data json.RawMessage) {
	var p CandidatePayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting ice-candidate")
		c.sendError("invalid ice-candidate payload")
		return
	}

	s.sendTo(c, p.To, EventIceCandidate, RelayedCandidate{From: c.id, Candidate: p.Candidate})
}

func (s *Server) handleChatMessage(c *conn, data json.RawMessage) {
	var p ChatMessagePayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting chat-message")
		c.sendError("invalid chat-message payload")
		return
	}

	roomID := c.room()
	if roomID == "" {
		c.logger.Debug("Dropping chat-message from roomless connection")
		return
	}

	sender := s.registry.Participant(roomID, c.id)
	if sender == nil {
		return
	}

	s.relay.Send(context.Background(), roomID, sender, p.Content)
}

func (s *Server) handleMediaStatus(c *conn, data json.RawMessage) {
	var p MediaStatusPayload
	if err := decodePayload(data, &p); err != nil {
		c.logger.WithError(err).Debug("Rejecting media-status")
		c.sendError("invalid media-status payload")
		return
	}

	if roomID := c.room(); roomID != "" {
		s.registry.UpdateMediaStatus(roomID, c.id, p.Audio, p.Video)
	}
}

func (s *Server) handleScreenShare(c *conn, sharing bool) {
	if roomID := c.room(); roomID != "" {
		s.registry.SetScreenSharing(roomID, c.id, sharing)
	}
}

/*******************************************************************************
* Outbound delivery
*******************************************************************************/

// sendTo relays an event to a single connection. Frames addressed to unknown
// connections are dropped silently; targets routinely disappear between a
// client learning a roster and acting on it.
func (s *Server) sendTo(from *conn, to string, event Event, payload interface{}) {
	s.connsMu.RLock()
	target, ok := s.conns[to]
	s.connsMu.RUnlock()

	if !ok {
		from.logger.WithFields(logrus.Fields{
			"event": event,
			"to":    to,
		}).Debug("Dropping relay to unknown connection")
		return
	}

	target.sendEvent(event, payload)
}

// broadcast marshals the event once and queues it on every listed
// connection.
func (s *Server) broadcast(connIDs []string, event Event, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Marshalling broadcast")
		return
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("Marshalling broadcast")
		return
	}

	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	for _, id := range connIDs {
		if c, ok := s.conns[id]; ok {
			c.enqueue(raw)
		}
	}
}

/*******************************************************************************
* room.Notifier
*******************************************************************************/

func (s *Server) ParticipantJoined(roomID string, members []string, p *room.Participant) {
	s.broadcast(members, EventUserJoined, p)
}

func (s *Server) ParticipantLeft(roomID string, members []string, p *room.Participant) {
	s.broadcast(members, EventUserLeft, UserLeftPayload{ConnID: p.ConnID, User: p})
}

func (s *Server) MediaStatusChanged(roomID string, members []string, connID string, audio, video bool) {
	s.broadcast(members, EventUserMediaStatus, UserMediaStatusPayload{
		ConnID: connID,
		Audio:  audio,
		Video:  video,
	})
}

func (s *Server) ScreenSharingChanged(roomID string, members []string, p *room.Participant, sharing bool) {
	s.broadcast(members, EventUserScreenSharing, UserScreenSharingPayload{
		ConnID:  p.ConnID,
		User:    p,
		Sharing: sharing,
	})
}

/*******************************************************************************
* chat.Sender
*******************************************************************************/

func (s *Server) NewMessage(roomID string, msg *store.Message) {
	s.broadcast(s.registry.Members(roomID, ""), EventNewMessage, msg)
}

func (s *Server) ChatError(connID string, msg string) {
	s.connsMu.RLock()
	c, ok := s.conns[connID]
	s.connsMu.RUnlock()

	if ok {
		c.sendError(msg)
	}
}
