package room

import "time"

// Participant describes one live connection inside a room. ConnID is assigned
// by the signaling transport and is unique per connection; UserID is supplied
// by the client and is stable across reconnects.
type Participant struct {
	ConnID        string    `json:"connectionId"`
	UserID        string    `json:"userId"`
	Name          string    `json:"userName"`
	AudioEnabled  bool      `json:"audioEnabled"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// NewParticipant returns a Participant with both media tracks flagged as
// enabled, which is what clients start with before their first media-status
// update.
func NewParticipant(connID, userID, name string) *Participant {
	return &Participant{
		ConnID:       connID,
		UserID:       userID,
		Name:         name,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now().UTC(),
	}
}

func (p *Participant) copy() *Participant {
	c := *p
	return &c
}
