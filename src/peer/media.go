package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one local media track plus its lifecycle. Ended is closed when
// the underlying capture stops, which for a screen capture happens both on
// an explicit stop and when the share ends on its own.
type Track struct {
	Local *webrtc.TrackLocalStaticSample

	ended    chan struct{}
	stopOnce sync.Once
}

func NewTrack(local *webrtc.TrackLocalStaticSample) *Track {
	return &Track{
		Local: local,
		ended: make(chan struct{}),
	}
}

// Ended is closed when the track's source has stopped producing samples.
func (t *Track) Ended() <-chan struct{} {
	return t.ended
}

// Stop marks the track ended. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.ended)
	})
}

// MediaStream bundles the local tracks acquired from one user-media request.
// Either track may be nil when the corresponding kind was not requested.
type MediaStream struct {
	Audio *Track
	Video *Track
}

// Stop stops whichever tracks the stream holds.
func (s *MediaStream) Stop() {
	if s == nil {
		return
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}

// MediaSource acquires local capture tracks. Implementations front real
// devices on platforms that have them; StaticSource serves headless clients
// and tests.
type MediaSource interface {
	// OpenUserMedia acquires microphone and/or camera tracks. An error
	// means the requested capture is unavailable; callers degrade to
	// receive-only rather than failing the call.
	OpenUserMedia(audio, video bool) (*MediaStream, error)

	// OpenDisplay acquires a screen-capture video track.
	OpenDisplay() (*Track, error)
}

// StaticSource synthesizes sample tracks: Opus for audio, VP8 for video. It
// registers tracks without pumping samples; callers that want audible or
// visible output write to Track.Local themselves. The No* flags simulate
// missing devices.
type StaticSource struct {
	NoAudio   bool
	NoVideo   bool
	NoDisplay bool
}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

func (s *StaticSource) OpenUserMedia(audio, video bool) (*MediaStream, error) {
	stream := &MediaStream{}

	if audio {
		if s.NoAudio {
			return nil, fmt.Errorf("no audio capture available")
		}
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			"huddle-media",
		)
		if err != nil {
			return nil, fmt.Errorf("creating audio track: %w", err)
		}
		stream.Audio = NewTrack(local)
	}

	if video {
		if s.NoVideo {
			stream.Stop()
			return nil, fmt.Errorf("no video capture available")
		}
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			"huddle-media",
		)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		stream.Video = NewTrack(local)
	}

	return stream, nil
}

func (s *StaticSource) OpenDisplay() (*Track, error) {
	if s.NoDisplay {
		return nil, fmt.Errorf("no display capture available")
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"display",
		"huddle-display",
	)
	if err != nil {
		return nil, fmt.Errorf("creating display track: %w", err)
	}
	return NewTrack(local), nil
}
