package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

type fixedConns int

func (f fixedConns) ConnectionCount() int { return int(f) }

func initService(t *testing.T) (*store.InmemStore, *room.Registry, *httptest.Server) {
	t.Helper()

	s := store.NewInmemStore(100)
	registry := room.NewRegistry(nil, common.NewTestEntry(t, "registry"))
	svc := NewService(s, registry, fixedConns(3), common.NewTestEntry(t, "service"))

	mux := http.NewServeMux()
	svc.RegisterHandlers(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return s, registry, ts
}

func TestGetHealth(t *testing.T) {
	_, _, ts := initService(t)

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["timestamp"] == "" {
		t.Fatalf("body: %v", body)
	}
}

func TestCreateRoom(t *testing.T) {
	s, _, ts := initService(t)

	res, err := http.Post(ts.URL+"/rooms", "application/json",
		strings.NewReader(`{"name":"Standup","hostId":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", res.StatusCode)
	}

	var created store.Room
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Name != "Standup" || created.HostID != "u1" {
		t.Fatalf("created: %+v", created)
	}

	stored, err := s.GetRoom(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Name != "Standup" {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestCreateRoomDefaultsName(t *testing.T) {
	_, _, ts := initService(t)

	res, err := http.Post(ts.URL+"/rooms", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var created store.Room
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Name != "New Meeting" {
		t.Fatalf("name: %q", created.Name)
	}
}

func TestGetRoomMergesLiveSnapshot(t *testing.T) {
	s, registry, ts := initService(t)

	created, err := s.CreateRoom(context.Background(), "Standup", "u1")
	if err != nil {
		t.Fatal(err)
	}

	registry.Join(created.ID, room.NewParticipant("conn1", "u1", "Alice"))
	registry.Join(created.ID, room.NewParticipant("conn2", "u2", "Bob"))

	res, err := http.Get(ts.URL + "/rooms/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}

	var info struct {
		store.Room
		Participants     []*room.Participant `json:"participants"`
		ParticipantCount int                 `json:"participantCount"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "Standup" {
		t.Fatalf("room: %+v", info.Room)
	}
	if info.ParticipantCount != 2 || len(info.Participants) != 2 {
		t.Fatalf("snapshot: count=%d roster=%v", info.ParticipantCount, info.Participants)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	_, _, ts := initService(t)

	res, err := http.Get(ts.URL + "/rooms/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: %d", res.StatusCode)
	}
}

func TestGetStats(t *testing.T) {
	_, registry, ts := initService(t)

	registry.Join("room1", room.NewParticipant("conn1", "u1", "Alice"))
	registry.Join("room2", room.NewParticipant("conn2", "u2", "Bob"))
	registry.Join("room2", room.NewParticipant("conn3", "u3", "Carol"))

	res, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var stats map[string]string
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["rooms"] != "2" || stats["participants"] != "3" || stats["connections"] != "3" {
		t.Fatalf("stats: %v", stats)
	}
}
