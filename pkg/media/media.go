// Package media abstracts local capture. The call package only needs a
// revocable stream whose tracks can be attached to a peer connection,
// individually gated, and stopped; where the samples come from (a real
// capture pipeline or the synthetic generator below) is the host's choice.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/pkg/signal"
)

// Devices produces local capture streams. GetMedia acquires an audio track
// always and a video track only for video calls; acquisition failure
// (denied, hardware unavailable) is returned as an error and aborts the call
// attempt that requested it.
type Devices interface {
	GetMedia(callType signal.CallType) (*Stream, error)
}

// Stream is one exclusively-owned local capture. Tracks are created at
// acquisition and live until Close; enabling and disabling a track gates its
// samples without renegotiation.
type Stream struct {
	callType signal.CallType

	mu     sync.Mutex
	audio  *gatedTrack
	video  *gatedTrack
	closed bool
}

type gatedTrack struct {
	track   webrtc.TrackLocal
	enabled bool
	stop    func()
}

func newStream(callType signal.CallType, audio, video webrtc.TrackLocal, stopAudio, stopVideo func()) *Stream {
	s := &Stream{
		callType: callType,
		audio:    &gatedTrack{track: audio, enabled: true, stop: stopAudio},
	}
	if video != nil {
		s.video = &gatedTrack{track: video, enabled: true, stop: stopVideo}
	}
	return s
}

// CallType reports the type this stream was acquired for.
func (s *Stream) CallType() signal.CallType {
	return s.callType
}

// Tracks returns the local tracks to attach to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := []webrtc.TrackLocal{s.audio.track}
	if s.video != nil {
		tracks = append(tracks, s.video.track)
	}
	return tracks
}

// SetAudioEnabled gates the audio track. Local only; no signal is published.
func (s *Stream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio.enabled = enabled
}

// SetVideoEnabled gates the video track, if this stream has one.
func (s *Stream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video != nil {
		s.video.enabled = enabled
	}
}

// AudioEnabled reports the audio gate.
func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio.enabled
}

// VideoEnabled reports the video gate. False when the stream has no video.
func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video != nil && s.video.enabled
}

// Close stops the sample producers. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.audio.stop != nil {
		s.audio.stop()
	}
	if s.video != nil && s.video.stop != nil {
		s.video.stop()
	}
}

func (s *Stream) trackEnabled(t *gatedTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && t.enabled
}
