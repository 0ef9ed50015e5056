// Package service exposes the HTTP API: health, room creation and lookup,
// and live stats.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/common"
	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/store"
)

// ConnCounter reports the number of live signaling connections. The
// signaling server implements it.
type ConnCounter interface {
	ConnectionCount() int
}

// Service ...
type Service struct {
	sync.Mutex

	store    store.Store
	registry *room.Registry
	conns    ConnCounter
	logger   *logrus.Entry
}

// NewService ...
func NewService(s store.Store, registry *room.Registry, conns ConnCounter, logger *logrus.Entry) *Service {
	return &Service{
		store:    s,
		registry: registry,
		conns:    conns,
		logger:   logger,
	}
}

// RegisterHandlers registers the API handlers on mux. The signaling endpoint
// shares the same mux, so the whole server runs off one listener.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	s.logger.Debug("Registering API handlers")
	mux.HandleFunc("/health", s.makeHandler(s.GetHealth))
	mux.HandleFunc("/rooms", s.makeHandler(s.CreateRoom))
	mux.HandleFunc("/rooms/", s.makeHandler(s.GetRoom))
	mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// GetHealth ...
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createRoomRequest struct {
	Name   string `json:"name"`
	HostID string `json:"hostId"`
}

// CreateRoom handles POST /rooms.
func (s *Service) CreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.WithError(err).Debug("Parsing create room request")

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if req.Name == "" {
		req.Name = "New Meeting"
	}

	created, err := s.store.CreateRoom(r.Context(), req.Name, req.HostID)
	if err != nil {
		s.logger.WithError(err).Error("Creating room")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	json.NewEncoder(w).Encode(created)
}

type roomInfo struct {
	*store.Room
	Participants     []*room.Participant `json:"participants"`
	ParticipantCount int                 `json:"participantCount"`
}

// GetRoom handles GET /rooms/{id}, merging the stored room record with the
// live registry snapshot. A room with no connected participants reports an
// empty roster and a zero count.
func (s *Service) GetRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Path[len("/rooms/"):]
	if id == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	stored, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		s.logger.WithError(err).Errorf("Retrieving room %s", id)

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	participants, count := s.registry.Snapshot(id)

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(roomInfo{
		Room:             stored,
		Participants:     participants,
		ParticipantCount: count,
	})
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]string{
		"rooms":        strconv.Itoa(s.registry.RoomCount()),
		"participants": strconv.Itoa(s.registry.ParticipantCount()),
		"connections":  strconv.Itoa(s.conns.ConnectionCount()),
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}
