package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parleyhq/parley/pkg/signal"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
)

// SyntheticDevices generates silence and a black test pattern instead of
// reading real hardware. The daemon falls back to it when no capture
// pipeline is configured, and the test suite uses it to drive real peer
// connections without devices.
type SyntheticDevices struct{}

// NewSyntheticDevices returns a Devices that always succeeds.
func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{}
}

// GetMedia implements Devices.
func (d *SyntheticDevices) GetMedia(callType signal.CallType) (*Stream, error) {
	streamID := "parley-" + uuid.New().String()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	var video *webrtc.TrackLocalStaticSample
	if callType == signal.CallVideo {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	var stream *Stream
	if video != nil {
		stream = newStream(callType, audio, video, stop, stop)
	} else {
		stream = newStream(callType, audio, nil, stop, nil)
	}

	go writeSamples(stream, stream.audio, audio, silenceFrame(), audioFrameInterval, done)
	if video != nil {
		go writeSamples(stream, stream.video, video, blackFrame(), videoFrameInterval, done)
	}

	return stream, nil
}

// writeSamples feeds a static sample track at the frame interval, dropping
// frames while the track's gate is disabled.
func writeSamples(s *Stream, gt *gatedTrack, track *webrtc.TrackLocalStaticSample, frame []byte, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.trackEnabled(gt) {
				continue
			}
			// ErrClosedPipe means the peer connection went away first.
			_ = track.WriteSample(media.Sample{Data: frame, Duration: interval})
		}
	}
}

// silenceFrame is a minimal opus frame describing 20ms of silence.
func silenceFrame() []byte {
	return []byte{0xf8, 0xff, 0xfe}
}

// blackFrame is a placeholder VP8 payload. Remote decoders treat it as an
// undecodable frame and keep waiting; good enough for negotiation and tests.
func blackFrame() []byte {
	return []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
}

var _ Devices = (*SyntheticDevices)(nil)
