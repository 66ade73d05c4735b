// Package call implements the negotiation core for two-party audio/video
// calls: the per-conversation session state machine, the serialized signal
// dispatcher, and the manager that routes inbound signaling to sessions.
// Coupling to the rest of parley is via the signal.Transport and
// media.Devices interfaces only.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/pkg/media"
	"github.com/parleyhq/parley/pkg/signal"
)

// State is the lifecycle of one call attempt within a session. Ended
// attempts return the session to StateIdle for the next call.
type State string

const (
	StateIdle       State = "idle"
	StateOffering   State = "offering"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

var (
	// ErrLineBusy is returned by Start while an incoming offer awaits the
	// local user's decision. The pending incoming call is preserved.
	ErrLineBusy = errors.New("line busy: incoming call pending")

	// ErrNoPendingCall is returned by Accept and Reject when no incoming
	// offer is buffered.
	ErrNoPendingCall = errors.New("no pending incoming call")

	// ErrMediaUnavailable wraps local capture failures (permission denied,
	// hardware missing). The call attempt that hit it has been aborted.
	ErrMediaUnavailable = errors.New("local media unavailable")
)

// Callbacks are the session lifecycle notifications delivered to the host
// layer. Any field may be nil. Callbacks are invoked outside the session's
// internal lock, so they may call back into the session.
type Callbacks struct {
	// OnLocalStream fires once per call attempt after local capture is
	// attached and the offer or answer has been published.
	OnLocalStream func(*media.Stream)

	// OnRemoteStream fires once per call attempt when the first remote
	// track arrives.
	OnRemoteStream func(*webrtc.TrackRemote)

	// OnIncomingCall fires when a remote offer is buffered; the host
	// prompts the user and calls Accept or Reject.
	OnIncomingCall func(signal.CallType)

	// OnConnectionStateChange fires on every aggregate connection state
	// transition of the live peer connection.
	OnConnectionStateChange func(webrtc.PeerConnectionState)

	// OnCallEnded fires once when a live or ringing call ends, regardless
	// of which side ended it.
	OnCallEnded func()
}

// Status is a point-in-time snapshot of a session, served by the host API.
type Status struct {
	ChannelID    string          `json:"channelId"`
	State        State           `json:"state"`
	PendingType  signal.CallType `json:"pendingType,omitempty"`
	AudioEnabled bool            `json:"audioEnabled"`
	VideoEnabled bool            `json:"videoEnabled"`
}
