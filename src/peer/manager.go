// Package peer maintains one WebRTC peer connection per remote participant
// of the joined room, keyed by the remote's signaling connection ID. The
// manager never touches a socket itself; SDP and ICE flow through a Signaler.
package peer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/huddlemesh/huddle/src/room"
	"github.com/huddlemesh/huddle/src/signal"
)

// Signaler is the outbound half of the signaling channel as the manager
// needs it. signal.Client implements it.
type Signaler interface {
	SendOffer(to string, sdp signal.SessionDescription) error
	SendAnswer(to string, sdp signal.SessionDescription) error
	SendCandidate(to string, candidate signal.Candidate) error
	SendMediaStatus(audio, video bool) error
	SetScreenSharing(sharing bool) error
}

// Callbacks notify the embedding application about connection lifecycle and
// inbound media. Nil callbacks are skipped; they run on pion goroutines, so
// they must not call back into the Manager synchronously.
type Callbacks struct {
	OnPeerConnected func(remote string)
	OnPeerRemoved   func(remote string)
	OnRemoteTrack   func(remote string, track *webrtc.TrackRemote)
}

type peerState int

const (
	stateOfferSent peerState = iota
	stateOfferReceived
	stateConnected
	stateClosed
)

// peerConn tracks one remote participant's connection. Remote ICE
// candidates arriving before the remote description are buffered in pending
// and flushed after SetRemoteDescription.
type peerConn struct {
	id          string
	pc          *webrtc.PeerConnection
	state       peerState
	pending     []signal.Candidate
	videoSender *webrtc.RTPSender
}

// Manager owns every peer connection of one client. All state is guarded by
// a single mutex; the per-connection work (SDP exchange, candidate handling)
// is quick and the peer count in a mesh room is small.
type Manager struct {
	mu sync.Mutex

	selfID     string
	iceServers []webrtc.ICEServer
	signaler   Signaler
	source     MediaSource
	callbacks  Callbacks
	logger     *logrus.Entry

	stream  *MediaStream // user media, nil when acquisition failed
	display *Track       // active screen capture, nil when not sharing

	audioEnabled bool
	videoEnabled bool

	peers map[string]*peerConn
}

func NewManager(iceServers []webrtc.ICEServer, signaler Signaler, source MediaSource, callbacks Callbacks, logger *logrus.Entry) *Manager {
	return &Manager{
		iceServers: iceServers,
		signaler:   signaler,
		source:     source,
		callbacks:  callbacks,
		logger:     logger,
		peers:      make(map[string]*peerConn),
	}
}

// HandleWelcome records the connection ID the server assigned to this
// client. It must be set before the first offer can be received; the glare
// tie-break compares it against the remote's ID.
func (m *Manager) HandleWelcome(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selfID = connID
}

// Start acquires local media. Acquisition failure is not fatal: the manager
// proceeds receive-only with both flags off, and reports that over the
// signaler so the roster reflects reality.
func (m *Manager) Start(audio, video bool) {
	stream, err := m.source.OpenUserMedia(audio, video)

	m.mu.Lock()
	if err != nil {
		m.logger.WithError(err).Warn("Media acquisition failed, continuing receive-only")
		m.stream = nil
		m.audioEnabled = false
		m.videoEnabled = false
	} else {
		m.stream = stream
		m.audioEnabled = stream.Audio != nil
		m.videoEnabled = stream.Video != nil
	}
	audioOn, videoOn := m.audioEnabled, m.videoEnabled
	m.mu.Unlock()

	if err != nil || !audioOn || !videoOn {
		m.signaler.SendMediaStatus(audioOn, videoOn)
	}
}

/*******************************************************************************
* Signaling event handlers
*******************************************************************************/

// HandleRoster initiates one connection per existing participant. Only the
// newest joiner calls this with a non-empty roster, which fixes the
// initiation direction: joiner offers, existing members answer.
func (m *Manager) HandleRoster(existing []*room.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range existing {
		if _, ok := m.peers[p.ConnID]; ok {
			continue
		}
		if err := m.initiateLocked(p.ConnID); err != nil {
			m.logger.WithError(err).WithField("remote", p.ConnID).Error("Initiating connection")
		}
	}
}

// HandleOffer answers an inbound offer, creating the connection if this is
// the first contact. An offer colliding with one we already sent (glare,
// possible in reconnect races) is resolved deterministically: the side with
// the lexicographically smaller connection ID rolls its own offer back and
// answers, the other side ignores the inbound offer and waits for its
// answer.
func (m *Manager) HandleOffer(o signal.RelayedOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[o.From]
	if ok && p.state == stateOfferSent {
		if m.selfID >= o.From {
			m.logger.WithField("remote", o.From).Debug("Glare: holding own offer")
			return
		}

		m.logger.WithField("remote", o.From).Debug("Glare: rolling back own offer")
		if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			m.logger.WithError(err).WithField("remote", o.From).Error("Rolling back offer")
			return
		}
	}

	if !ok {
		var err error
		p, err = m.newPeerLocked(o.From)
		if err != nil {
			m.logger.WithError(err).WithField("remote", o.From).Error("Creating connection")
			return
		}
	}
	p.state = stateOfferReceived

	if err := m.answerLocked(p, o.SDP); err != nil {
		m.logger.WithError(err).WithField("remote", o.From).Error("Answering offer")
	}
}

// HandleAnswer completes an exchange we initiated. Answers from unknown
// remotes or arriving in any state other than offer-sent are stale, a
// routine occurrence when peers churn, and are dropped.
func (m *Manager) HandleAnswer(a signal.RelayedAnswer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[a.From]
	if !ok || p.state != stateOfferSent {
		m.logger.WithField("remote", a.From).Debug("Ignoring stale answer")
		return
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  a.SDP.SDP,
	}); err != nil {
		m.logger.WithError(err).WithField("remote", a.From).Error("Applying answer")
		return
	}

	m.flushCandidatesLocked(p)
}

// HandleCandidate adds a remote ICE candidate, buffering it when the remote
// description has not been applied yet. Candidates from unknown remotes are
// dropped.
func (m *Manager) HandleCandidate(c signal.RelayedCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[c.From]
	if !ok {
		m.logger.WithField("remote", c.From).Debug("Ignoring candidate from unknown remote")
		return
	}

	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c.Candidate)
		return
	}

	if err := p.pc.AddICECandidate(candidateInit(c.Candidate)); err != nil {
		m.logger.WithError(err).WithField("remote", c.From).Debug("Adding candidate")
	}
}

// HandleUserLeft tears down the connection to a departed participant.
func (m *Manager) HandleUserLeft(connID string) {
	m.removePeer(connID)
}

/*******************************************************************************
* Media controls
*******************************************************************************/

// ToggleAudio flips the audio flag and reports the new state over the
// signaler. No renegotiation; the track stays attached and the flag is
// advisory.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	m.audioEnabled = !m.audioEnabled
	audio, video := m.audioEnabled, m.videoEnabled
	m.mu.Unlock()

	m.signaler.SendMediaStatus(audio, video)
	return audio
}

// ToggleVideo flips the video flag and reports the new state over the
// signaler.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	m.videoEnabled = !m.videoEnabled
	audio, video := m.audioEnabled, m.videoEnabled
	m.mu.Unlock()

	m.signaler.SendMediaStatus(audio, video)
	return video
}

// StartScreenShare swaps the display capture into the video sender of every
// open connection via ReplaceTrack, which needs no renegotiation. When the
// capture ends, by StopScreenShare or on its own, the camera track is
// restored.
func (m *Manager) StartScreenShare() error {
	// The capture is opened optimistically; check-and-set of the display
	// slot happens in one critical section so concurrent calls cannot both
	// claim it.
	track, err := m.source.OpenDisplay()
	if err != nil {
		return fmt.Errorf("opening display capture: %w", err)
	}

	m.mu.Lock()
	if m.display != nil {
		m.mu.Unlock()
		track.Stop()
		return fmt.Errorf("already sharing")
	}
	m.display = track
	for _, p := range m.peers {
		if p.videoSender == nil {
			continue
		}
		if err := p.videoSender.ReplaceTrack(track.Local); err != nil {
			m.logger.WithError(err).WithField("remote", p.id).Error("Replacing video track")
		}
	}
	m.mu.Unlock()

	m.signaler.SetScreenSharing(true)

	go func() {
		<-track.Ended()
		m.restoreCamera(track)
	}()

	return nil
}

// StopScreenShare ends an active share. No-op when not sharing.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	track := m.display
	m.mu.Unlock()

	if track != nil {
		track.Stop()
	}
}

// Sharing reports whether a screen capture is currently live.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.display != nil
}

// restoreCamera swaps the camera track, or nil when there is none, back into
// every video sender. The track guard makes stop-then-restart safe: only the
// share that actually ended restores.
func (m *Manager) restoreCamera(ended *Track) {
	m.mu.Lock()
	if m.display != ended {
		m.mu.Unlock()
		return
	}
	m.display = nil

	// cam is the TrackLocal interface rather than the concrete sample track:
	// with no camera it must stay a true nil so ReplaceTrack detaches the
	// sender instead of dereferencing a typed nil.
	var cam webrtc.TrackLocal
	if m.stream != nil && m.stream.Video != nil {
		cam = m.stream.Video.Local
	}
	for _, p := range m.peers {
		if p.videoSender == nil {
			continue
		}
		if err := p.videoSender.ReplaceTrack(cam); err != nil {
			m.logger.WithError(err).WithField("remote", p.id).Error("Restoring video track")
		}
	}
	m.mu.Unlock()

	m.signaler.SetScreenSharing(false)
}

/*******************************************************************************
* Lifecycle
*******************************************************************************/

// Peers returns the connection IDs of every tracked remote, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every connection and stops local media.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*peerConn)
	stream, display := m.stream, m.display
	m.stream = nil
	m.display = nil
	m.mu.Unlock()

	for _, p := range peers {
		p.pc.Close()
	}
	stream.Stop()
	if display != nil {
		display.Stop()
	}
}

func (m *Manager) removePeer(remote string) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, remote)
	p.state = stateClosed
	m.mu.Unlock()

	p.pc.Close()

	if m.callbacks.OnPeerRemoved != nil {
		m.callbacks.OnPeerRemoved(remote)
	}

	m.logger.WithField("remote", remote).Debug("Peer removed")
}

/*******************************************************************************
* Internals
*******************************************************************************/

// initiateLocked creates a connection to remote and sends the opening offer.
func (m *Manager) initiateLocked(remote string) error {
	p, err := m.newPeerLocked(remote)
	if err != nil {
		return err
	}
	p.state = stateOfferSent

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("applying local offer: %w", err)
	}

	return m.signaler.SendOffer(remote, signal.SessionDescription{
		Type: "offer",
		SDP:  offer.SDP,
	})
}

// answerLocked applies a remote offer to p and responds.
func (m *Manager) answerLocked(p *peerConn, sdp signal.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp.SDP,
	}); err != nil {
		return fmt.Errorf("applying remote offer: %w", err)
	}

	m.flushCandidatesLocked(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("applying local answer: %w", err)
	}

	return m.signaler.SendAnswer(p.id, signal.SessionDescription{
		Type: "answer",
		SDP:  answer.SDP,
	})
}

// newPeerLocked builds a PeerConnection for remote, attaches the current
// local tracks, and wires its callbacks.
func (m *Manager) newPeerLocked(remote string) (*peerConn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &peerConn{id: remote, pc: pc}

	if m.stream != nil && m.stream.Audio != nil {
		if _, err := pc.AddTrack(m.stream.Audio.Local); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding audio track: %w", err)
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding audio transceiver: %w", err)
		}
	}

	// Connections opened mid-share start out sending the display capture.
	videoTrack := (*webrtc.TrackLocalStaticSample)(nil)
	if m.display != nil {
		videoTrack = m.display.Local
	} else if m.stream != nil && m.stream.Video != nil {
		videoTrack = m.stream.Video.Local
	}

	if videoTrack != nil {
		sender, err := pc.AddTrack(videoTrack)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding video track: %w", err)
		}
		p.videoSender = sender
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding video transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		m.signaler.SendCandidate(remote, signal.Candidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.WithFields(logrus.Fields{
			"remote": remote,
			"kind":   track.Kind().String(),
		}).Debug("Remote track")
		if m.callbacks.OnRemoteTrack != nil {
			m.callbacks.OnRemoteTrack(remote, track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			m.mu.Lock()
			if cur, ok := m.peers[remote]; ok && cur.state != stateClosed {
				cur.state = stateConnected
			}
			m.mu.Unlock()
			if m.callbacks.OnPeerConnected != nil {
				m.callbacks.OnPeerConnected(remote)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// Close must not run on pion's signaling goroutine.
			go m.removePeer(remote)
		}
	})

	m.peers[remote] = p

	return p, nil
}

// flushCandidatesLocked applies the candidates buffered while the remote
// description was missing.
func (m *Manager) flushCandidatesLocked(p *peerConn) {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(candidateInit(c)); err != nil {
			m.logger.WithError(err).WithField("remote", p.id).Debug("Adding buffered candidate")
		}
	}
	p.pending = nil
}

func candidateInit(c signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
