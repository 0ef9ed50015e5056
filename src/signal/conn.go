package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP blobs with many
	// candidates can run a few KB, so leave ample headroom.
	maxMessageSize = 64 * 1024

	// Outbound queue depth per connection. Sends never block the caller;
	// a full queue drops the frame instead.
	sendQueueSize = 256
)

// conn is one signaling connection. Inbound events are dispatched
// sequentially from readPump, so per-connection ordering follows the order
// frames arrived on the socket. Outbound frames go through the buffered send
// channel and writePump.
type conn struct {
	id     string
	server *Server
	sock   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logrus.Entry

	closeOnce sync.Once

	// roomMu guards the room membership of this connection. It is only
	// touched from readPump and the disconnect path.
	roomMu sync.Mutex
	roomID string
}

// room returns the room this connection is currently a member of, or the
// empty string.
func (c *conn) room() string {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	return c.roomID
}

// sendEvent marshals an envelope and queues it for delivery. It never
// blocks; if the client cannot keep up the frame is dropped with a warning.
func (c *conn) sendEvent(event Event, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			c.logger.WithError(err).WithField("event", event).Error("Marshalling payload")
			return
		}
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		c.logger.WithError(err).WithField("event", event).Error("Marshalling envelope")
		return
	}
	c.enqueue(raw)
}

// enqueue places a frame on the send queue. The send channel is never
// closed; teardown is signalled through done, so a relay that resolved this
// connection just before it disconnected lands here harmlessly.
func (c *conn) enqueue(raw []byte) {
	select {
	case <-c.done:
		// Connection is tearing down; the frame has nowhere to go.
	case c.send <- raw:
	default:
		c.logger.Warn("Send queue full, dropping frame")
	}
}

func (c *conn) sendError(msg string) {
	c.sendEvent(EventError, ErrorPayload{Message: msg})
}

// close signals writePump to flush and tear down the socket. Safe to call
// more than once, and safe against concurrent senders.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump reads frames from the socket and dispatches them to the server
// until the connection drops. It runs in its own goroutine and owns all
// reads.
func (c *conn) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Unexpected close")
			}
			return
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.logger.WithError(err).Debug("Rejecting malformed frame")
			c.sendError("invalid message")
			continue
		}

		c.server.dispatch(c, env)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. It runs in its own goroutine and owns all
// writes.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush whatever was queued before the close, then say goodbye.
			for {
				select {
				case raw := <-c.send:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
						return
					}
				default:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					c.sock.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case raw := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
