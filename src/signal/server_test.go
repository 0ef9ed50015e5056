package signal_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/signal"
	"github.com/huddlemesh/huddle/src/store"
)

const testTimeout = 3 * time.Second

type testClient struct {
	*signal.Client

	welcomes   chan string
	rosters    chan []*room.Participant
	histories  chan []*store.Message
	joins      chan *room.Participant
	leaves     chan signal.UserLeftPayload
	offers     chan signal.RelayedOffer
	answers    chan signal.RelayedAnswer
	candidates chan signal.RelayedCandidate
	messages   chan *store.Message
	media      chan signal.UserMediaStatusPayload
	sharing    chan signal.UserScreenSharingPayload
	errors     chan string
}

func newTestServer(t *testing.T, s store.Store) string {
	t.Helper()

	if s == nil {
		s = store.NewInmemStore(100)
	}

	srv := signal.NewServer(s, common.NewTestEntry(t, "signal"))

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	return strings.TrimPrefix(ts.URL, "http://")
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()

	tc := &testClient{
		welcomes:   make(chan string, 1),
		rosters:    make(chan []*room.Participant, 16),
		histories:  make(chan []*store.Message, 16),
		joins:      make(chan *room.Participant, 16),
		leaves:     make(chan signal.UserLeftPayload, 16),
		offers:     make(chan signal.RelayedOffer, 16),
		answers:    make(chan signal.RelayedAnswer, 16),
		candidates: make(chan signal.RelayedCandidate, 16),
		messages:   make(chan *store.Message, 16),
		media:      make(chan signal.UserMediaStatusPayload, 16),
		sharing:    make(chan signal.UserScreenSharingPayload, 16),
		errors:     make(chan string, 16),
	}

	handlers := signal.Handlers{
		OnWelcome:           func(id string) { tc.welcomes <- id },
		OnRoomParticipants:  func(r []*room.Participant) { tc.rosters <- r },
		OnRoomMessages:      func(h []*store.Message) { tc.histories <- h },
		OnUserJoined:        func(p *room.Participant) { tc.joins <- p },
		OnUserLeft:          func(n signal.UserLeftPayload) { tc.leaves <- n },
		OnOffer:             func(o signal.RelayedOffer) { tc.offers <- o },
		OnAnswer:            func(a signal.RelayedAnswer) { tc.answers <- a },
		OnCandidate:         func(c signal.RelayedCandidate) { tc.candidates <- c },
		OnNewMessage:        func(m *store.Message) { tc.messages <- m },
		OnUserMediaStatus:   func(n signal.UserMediaStatusPayload) { tc.media <- n },
		OnUserScreenSharing: func(n signal.UserScreenSharingPayload) { tc.sharing <- n },
		OnError:             func(msg string) { tc.errors <- msg },
	}

	client, err := signal.Dial(addr, handlers, common.NewTestEntry(t, "client"))
	if err != nil {
		t.Fatal(err)
	}
	tc.Client = client
	t.Cleanup(func() { client.Close() })

	return tc
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// join enters the room and consumes the roster and history primers, returning
// the roster.
func (tc *testClient) join(t *testing.T, roomID, userID, userName string) []*room.Participant {
	t.Helper()

	if err := tc.JoinRoom(roomID, userID, userName); err != nil {
		t.Fatal(err)
	}
	roster := recv(t, tc.rosters, "room-participants")
	recv(t, tc.histories, "room-messages")
	return roster
}

func TestWelcomeAssignsConnID(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	bob := dial(t, addr)

	aliceID := recv(t, alice.welcomes, "welcome")
	bobID := recv(t, bob.welcomes, "welcome")

	if aliceID == "" || bobID == "" || aliceID == bobID {
		t.Fatalf("bad connection ids: %q, %q", aliceID, bobID)
	}
	if alice.ConnID() != aliceID {
		t.Fatalf("ConnID: got %q, want %q", alice.ConnID(), aliceID)
	}
}

func TestJoinPrimesRosterAndHistory(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	if roster := alice.join(t, "room1", "u-alice", "Alice"); len(roster) != 0 {
		t.Fatalf("expected empty roster for first joiner, got %d", len(roster))
	}

	bob := dial(t, addr)
	roster := bob.join(t, "room1", "u-bob", "Bob")
	if len(roster) != 1 {
		t.Fatalf("expected 1 prior participant, got %d", len(roster))
	}
	if roster[0].Name != "Alice" {
		t.Fatalf("roster: got %q, want Alice", roster[0].Name)
	}
	if !roster[0].AudioEnabled || !roster[0].VideoEnabled {
		t.Fatal("expected new participant to start with media enabled")
	}

	joined := recv(t, alice.joins, "user-joined")
	if joined.Name != "Bob" {
		t.Fatalf("user-joined: got %q, want Bob", joined.Name)
	}
}

func TestOfferRelayedOnlyToTarget(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	bobJoined := recv(t, alice.joins, "user-joined")

	carol := dial(t, addr)
	carol.join(t, "room1", "u-carol", "Carol")
	recv(t, alice.joins, "user-joined")
	recv(t, bob.joins, "user-joined")

	// Alice offers to Bob alone.
	sdp := signal.SessionDescription{Type: "offer", SDP: "v=0\r\no=alice"}
	if err := alice.SendOffer(bobJoined.ConnID, sdp); err != nil {
		t.Fatal(err)
	}

	offer := recv(t, bob.offers, "offer")
	if offer.SDP != sdp {
		t.Fatalf("offer sdp: got %+v, want %+v", offer.SDP, sdp)
	}
	if offer.From == "" {
		t.Fatal("offer missing from")
	}
	if offer.User == nil || offer.User.Name != "Alice" {
		t.Fatalf("offer user: got %+v, want Alice", offer.User)
	}

	// Bob answers the tagged sender; only Alice receives it.
	answerSDP := signal.SessionDescription{Type: "answer", SDP: "v=0\r\no=bob"}
	if err := bob.SendAnswer(offer.From, answerSDP); err != nil {
		t.Fatal(err)
	}
	answer := recv(t, alice.answers, "answer")
	if answer.SDP != answerSDP {
		t.Fatalf("answer sdp: got %+v, want %+v", answer.SDP, answerSDP)
	}

	select {
	case o := <-carol.offers:
		t.Fatalf("offer leaked to third participant: %+v", o)
	case a := <-carol.answers:
		t.Fatalf("answer leaked to third participant: %+v", a)
	default:
	}
}

func TestRelayToUnknownTargetIsDropped(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	if err := alice.SendCandidate("nope", signal.Candidate{Candidate: "candidate:1"}); err != nil {
		t.Fatal(err)
	}

	// The connection stays healthy: a chat message still round-trips.
	if err := alice.SendChat("still here"); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, alice.messages, "new-message")
	if msg.Content != "still here" {
		t.Fatalf("content: got %q", msg.Content)
	}

	select {
	case e := <-alice.errors:
		t.Fatalf("unexpected error event: %q", e)
	default:
	}
}

func TestChatBroadcastIncludesSenderAndPersists(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	recv(t, alice.joins, "user-joined")

	if err := alice.SendChat("hello"); err != nil {
		t.Fatal(err)
	}

	got := recv(t, alice.messages, "sender copy")
	if got.Content != "hello" || got.UserName != "Alice" {
		t.Fatalf("sender copy: %+v", got)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatalf("expected canonical stored row, got %+v", got)
	}

	bobGot := recv(t, bob.messages, "broadcast copy")
	if bobGot.ID != got.ID {
		t.Fatalf("ids differ: %q vs %q", bobGot.ID, got.ID)
	}

	// A later joiner receives the message as history.
	carol := dial(t, addr)
	if err := carol.JoinRoom("room1", "u-carol", "Carol"); err != nil {
		t.Fatal(err)
	}
	recv(t, carol.rosters, "room-participants")
	history := recv(t, carol.histories, "room-messages")
	if len(history) != 1 || history[0].ID != got.ID {
		t.Fatalf("history: %+v", history)
	}
}

type failingStore struct {
	*store.InmemStore
}

func (f *failingStore) SaveMessage(ctx context.Context, roomID, userID, userName, content string) (*store.Message, error) {
	return nil, fmt.Errorf("database down")
}

func TestChatStoreFailureErrorsSenderOnly(t *testing.T) {
	addr := newTestServer(t, &failingStore{store.NewInmemStore(100)})

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	recv(t, alice.joins, "user-joined")

	if err := alice.SendChat("doomed"); err != nil {
		t.Fatal(err)
	}

	if errMsg := recv(t, alice.errors, "error event"); errMsg == "" {
		t.Fatal("expected error message")
	}

	select {
	case m := <-bob.messages:
		t.Fatalf("broadcast despite store failure: %+v", m)
	case e := <-bob.errors:
		t.Fatalf("error leaked to non-sender: %q", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectSynthesizesLeave(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	bobJoined := recv(t, alice.joins, "user-joined")

	// Bob vanishes without a leave-room.
	bob.Close()

	left := recv(t, alice.leaves, "user-left")
	if left.ConnID != bobJoined.ConnID {
		t.Fatalf("user-left conn: got %q, want %q", left.ConnID, bobJoined.ConnID)
	}
	if left.User == nil || left.User.Name != "Bob" {
		t.Fatalf("user-left user: %+v", left.User)
	}
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	recv(t, alice.joins, "user-joined")

	// Bob hops to another room; Alice sees him leave exactly once.
	bob.join(t, "room2", "u-bob", "Bob")

	left := recv(t, alice.leaves, "user-left")
	if left.User.Name != "Bob" {
		t.Fatalf("user-left: %+v", left.User)
	}

	bob.LeaveRoom()
	select {
	case l := <-alice.leaves:
		t.Fatalf("second departure for the same participant: %+v", l)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMediaStatusAndScreenShareBroadcasts(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	bob := dial(t, addr)
	bob.join(t, "room1", "u-bob", "Bob")
	bobJoined := recv(t, alice.joins, "user-joined")

	if err := bob.SendMediaStatus(false, true); err != nil {
		t.Fatal(err)
	}
	status := recv(t, alice.media, "user-media-status")
	if status.ConnID != bobJoined.ConnID || status.Audio || !status.Video {
		t.Fatalf("media status: %+v", status)
	}

	if err := bob.SetScreenSharing(true); err != nil {
		t.Fatal(err)
	}
	share := recv(t, alice.sharing, "user-screen-sharing")
	if !share.Sharing || share.ConnID != bobJoined.ConnID {
		t.Fatalf("screen share: %+v", share)
	}

	if err := bob.SetScreenSharing(false); err != nil {
		t.Fatal(err)
	}
	if share = recv(t, alice.sharing, "user-screen-sharing"); share.Sharing {
		t.Fatalf("expected sharing off: %+v", share)
	}

	// The updates are never echoed back to their source.
	select {
	case n := <-bob.media:
		t.Fatalf("media status echoed to source: %+v", n)
	case n := <-bob.sharing:
		t.Fatalf("screen share echoed to source: %+v", n)
	default:
	}
}

func TestMalformedPayloadGetsErrorEvent(t *testing.T) {
	addr := newTestServer(t, nil)

	alice := dial(t, addr)
	alice.join(t, "room1", "u-alice", "Alice")

	// An offer without a target is rejected at the boundary.
	if err := alice.SendOffer("", signal.SessionDescription{Type: "offer", SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	if msg := recv(t, alice.errors, "error event"); msg == "" {
		t.Fatal("expected error message")
	}

	// The connection survives rejection.
	if err := alice.SendChat("ok"); err != nil {
		t.Fatal(err)
	}
	recv(t, alice.messages, "new-message")
}
