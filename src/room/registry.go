// Package room tracks which participants are currently connected to which
// room. The registry is purely in-memory; it is rebuilt from zero when the
// process restarts, and room records only exist while at least one
// participant is connected.
package room

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Notifier receives membership change notifications to fan out to the other
// members of a room. Methods are invoked while the registry lock is held, so
// that every member observes membership changes in the order the registry
// applied them; implementations must not block.
type Notifier interface {
	ParticipantJoined(roomID string, members []string, p *Participant)
	ParticipantLeft(roomID string, members []string, p *Participant)
	MediaStatusChanged(roomID string, members []string, connID string, audio, video bool)
	ScreenSharingChanged(roomID string, members []string, p *Participant, sharing bool)
}

// NopNotifier is a Notifier that does nothing. It is used when a registry is
// driven directly, without a signaling server, as in tests.
type NopNotifier struct{}

func (NopNotifier) ParticipantJoined(string, []string, *Participant)        {}
func (NopNotifier) ParticipantLeft(string, []string, *Participant)          {}
func (NopNotifier) MediaStatusChanged(string, []string, string, bool, bool) {}
func (NopNotifier) ScreenSharingChanged(string, []string, *Participant, bool) {
}

// Registry is the in-memory mapping of room identifiers to their connected
// participants. A connection identifier belongs to at most one room at a
// time; rooms are created lazily on first join and deleted when their last
// participant leaves.
type Registry struct {
	sync.RWMutex

	rooms    map[string]map[string]*Participant
	notifier Notifier
	logger   *logrus.Entry
}

// NewRegistry instantiates a Registry. A nil notifier is replaced with a
// NopNotifier.
func NewRegistry(notifier Notifier, logger *logrus.Entry) *Registry {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Registry{
		rooms:    make(map[string]map[string]*Participant),
		notifier: notifier,
		logger:   logger,
	}
}

// Join registers a participant under roomID, creating the room if absent, and
// returns the prior roster, excluding the new participant, so the caller can
// initiate peer negotiation with each existing member. The join is broadcast
// to every other member. Only the registry decides who initiates: the new
// joiner offers to every participant in the returned roster, never the
// reverse.
func (r *Registry) Join(roomID string, p *Participant) []*Participant {
	r.Lock()
	defer r.Unlock()

	participants, ok := r.rooms[roomID]
	if !ok {
		participants = make(map[string]*Participant)
		r.rooms[roomID] = participants
	}

	existing := rosterLocked(participants, p.ConnID)

	participants[p.ConnID] = p

	r.notifier.ParticipantJoined(roomID, memberIDsLocked(participants, p.ConnID), p)

	r.logger.WithFields(logrus.Fields{
		"room": roomID,
		"conn": p.ConnID,
		"name": p.Name,
	}).Debug("Participant joined")

	return existing
}

// Leave removes the participant and broadcasts the departure to the remaining
// members. If the room becomes empty it is deleted. Calling Leave on an
// unknown room or connection is a no-op.
func (r *Registry) Leave(roomID, connID string) {
	r.Lock()
	defer r.Unlock()

	participants, ok := r.rooms[roomID]
	if !ok {
		return
	}

	p, ok := participants[connID]
	if !ok {
		return
	}

	delete(participants, connID)

	if len(participants) == 0 {
		delete(r.rooms, roomID)
	} else {
		r.notifier.ParticipantLeft(roomID, memberIDsLocked(participants, ""), p)
	}

	r.logger.WithFields(logrus.Fields{
		"room": roomID,
		"conn": connID,
		"name": p.Name,
	}).Debug("Participant left")
}

// UpdateMediaStatus mutates the participant's audio/video flags and
// broadcasts the update to the rest of the room. No-op if the participant is
// unknown.
func (r *Registry) UpdateMediaStatus(roomID, connID string, audio, video bool) {
	r.Lock()
	defer r.Unlock()

	p, ok := r.rooms[roomID][connID]
	if !ok {
		return
	}

	p.AudioEnabled = audio
	p.VideoEnabled = video

	r.notifier.MediaStatusChanged(roomID, memberIDsLocked(r.rooms[roomID], connID), connID, audio, video)
}

// SetScreenSharing mutates the participant's screen-share flag and broadcasts
// the update to the rest of the room. No-op if the participant is unknown.
func (r *Registry) SetScreenSharing(roomID, connID string, sharing bool) {
	r.Lock()
	defer r.Unlock()

	p, ok := r.rooms[roomID][connID]
	if !ok {
		return
	}

	p.ScreenSharing = sharing

	r.notifier.ScreenSharingChanged(roomID, memberIDsLocked(r.rooms[roomID], connID), p, sharing)
}

// Snapshot returns a copy of the room's participants and their count. It
// returns an empty roster and zero when the room does not exist.
func (r *Registry) Snapshot(roomID string) ([]*Participant, int) {
	r.RLock()
	defer r.RUnlock()

	participants := r.rooms[roomID]
	return rosterLocked(participants, ""), len(participants)
}

// Participant returns a copy of the participant's current record, or nil when
// the room or connection is unknown.
func (r *Registry) Participant(roomID, connID string) *Participant {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.rooms[roomID][connID]
	if !ok {
		return nil
	}
	return p.copy()
}

// Members returns the connection identifiers of every current member of the
// room, excluding except when non-empty.
func (r *Registry) Members(roomID, except string) []string {
	r.RLock()
	defer r.RUnlock()

	return memberIDsLocked(r.rooms[roomID], except)
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.rooms)
}

// ParticipantCount returns the total number of participants across all rooms.
func (r *Registry) ParticipantCount() int {
	r.RLock()
	defer r.RUnlock()

	total := 0
	for _, participants := range r.rooms {
		total += len(participants)
	}
	return total
}

func rosterLocked(participants map[string]*Participant, except string) []*Participant {
	roster := []*Participant{}
	for connID, p := range participants {
		if connID == except {
			continue
		}
		roster = append(roster, p.copy())
	}

	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].ConnID < roster[j].ConnID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})

	return roster
}

func memberIDsLocked(participants map[string]*Participant, except string) []string {
	ids := []string{}
	for connID := range participants {
		if connID == except {
			continue
		}
		ids = append(ids, connID)
	}
	return ids
}
