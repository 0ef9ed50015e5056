package signal

import (
	"testing"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/huddlemesh/huddle/src/store"
)

func newLocalConn(t *testing.T, s *Server, id string) *conn {
	c := &conn{
		id:     id,
		server: s,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.logger = s.logger.WithField("conn", c.id)

	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()

	return c
}

// A relay can resolve its target under the conns lock, release it, and only
// then enqueue; the target may disconnect in that window. Delivery to the
// already-closed connection must be a silent drop, not a panic.
func TestSendToDisconnectedConnIsDropped(t *testing.T) {
	s := NewServer(store.NewInmemStore(10), common.NewTestEntry(t, "signal"))

	target := newLocalConn(t, s, "target")

	// The pointer is held, then the connection tears down before delivery.
	s.disconnect(target)

	target.sendEvent(EventIceCandidate, RelayedCandidate{From: "sender"})
	target.sendError("late error")

	// The server no longer routes to it either.
	sender := newLocalConn(t, s, "sender")
	s.sendTo(sender, "target", EventOffer, RelayedOffer{From: sender.id})
	s.ChatError("target", "late chat error")
}

// Shutdown against connections with queued frames and live senders must not
// panic, and repeated close calls are no-ops.
func TestShutdownRacesWithEnqueue(t *testing.T) {
	s := NewServer(store.NewInmemStore(10), common.NewTestEntry(t, "signal"))

	c := newLocalConn(t, s, "c1")

	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 1000; i++ {
			select {
			case <-stop:
				return
			default:
				c.enqueue([]byte(`{"event":"new-message"}`))
			}
		}
	}()

	s.Shutdown()
	s.Shutdown()
	c.sendEvent(EventNewMessage, nil)

	close(stop)
	<-finished
}
