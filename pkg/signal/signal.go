// Package signal defines the signaling message model exchanged between two
// call peers and the transport contract used to relay it. The call package
// depends only on the Transport interface, so the same negotiation code runs
// over the websocket relay, the in-process transport used by tests, or any
// other bus that can append, fan out, and delete by channel.
package signal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates the payload shape of a Signal.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindHangUp    Kind = "hang-up"
)

// CallType declares the media an offer wants to negotiate.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// Signal is one immutable signaling record. TargetID empty means "broadcast
// to channel": the initial offer is broadcast because the caller does not yet
// know who will answer. CreatedAt is assigned by the transport at publish
// time and is used only for retained-log expiry, never for ordering.
type Signal struct {
	ID        string          `json:"id,omitempty"`
	ChannelID string          `json:"channelId"`
	SenderID  string          `json:"senderId"`
	TargetID  string          `json:"targetId,omitempty"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// SessionPayload is the payload body for offer and answer signals.
type SessionPayload struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	CallType CallType                  `json:"callType"`
}

// CandidatePayload is the payload body for ice-candidate signals.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// NewOffer builds a broadcast offer signal.
func NewOffer(channelID, senderID string, sdp webrtc.SessionDescription, callType CallType) (Signal, error) {
	return newSessionSignal(KindOffer, channelID, senderID, "", sdp, callType)
}

// NewAnswer builds an answer signal targeted at the original offerer.
func NewAnswer(channelID, senderID, targetID string, sdp webrtc.SessionDescription, callType CallType) (Signal, error) {
	return newSessionSignal(KindAnswer, channelID, senderID, targetID, sdp, callType)
}

func newSessionSignal(kind Kind, channelID, senderID, targetID string, sdp webrtc.SessionDescription, callType CallType) (Signal, error) {
	payload, err := json.Marshal(SessionPayload{SDP: sdp, CallType: callType})
	if err != nil {
		return Signal{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Signal{
		ChannelID: channelID,
		SenderID:  senderID,
		TargetID:  targetID,
		Kind:      kind,
		Payload:   payload,
	}, nil
}

// NewCandidate builds a broadcast ice-candidate signal.
func NewCandidate(channelID, senderID string, candidate webrtc.ICECandidateInit) (Signal, error) {
	payload, err := json.Marshal(CandidatePayload{Candidate: candidate})
	if err != nil {
		return Signal{}, fmt.Errorf("failed to marshal candidate payload: %w", err)
	}
	return Signal{
		ChannelID: channelID,
		SenderID:  senderID,
		Kind:      KindCandidate,
		Payload:   payload,
	}, nil
}

// NewHangUp builds a hang-up signal. targetID may be empty for broadcast.
func NewHangUp(channelID, senderID, targetID string) Signal {
	return Signal{
		ChannelID: channelID,
		SenderID:  senderID,
		TargetID:  targetID,
		Kind:      KindHangUp,
	}
}

// DecodeSession destructures the payload of an offer or answer signal.
func (s Signal) DecodeSession() (SessionPayload, error) {
	if s.Kind != KindOffer && s.Kind != KindAnswer {
		return SessionPayload{}, fmt.Errorf("signal kind %q carries no session description", s.Kind)
	}
	var p SessionPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return SessionPayload{}, fmt.Errorf("malformed %s payload: %w", s.Kind, err)
	}
	if !p.CallType.Valid() {
		// Older callers omitted the call type on answers; default to audio.
		p.CallType = CallAudio
	}
	return p, nil
}

// DecodeCandidate destructures the payload of an ice-candidate signal.
func (s Signal) DecodeCandidate() (webrtc.ICECandidateInit, error) {
	if s.Kind != KindCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("signal kind %q carries no candidate", s.Kind)
	}
	var p CandidatePayload
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("malformed candidate payload: %w", err)
	}
	return p.Candidate, nil
}

// AddressedTo reports whether a peer with selfID should act on this signal:
// never its own publishes, and targeted signals only when it is the target.
func (s Signal) AddressedTo(selfID string) bool {
	if s.SenderID == selfID {
		return false
	}
	return s.TargetID == "" || s.TargetID == selfID
}

// PairChannelID derives the symmetric signaling channel for a direct
// conversation between two peers. Both sides sort the identities before
// joining, so they subscribe to the same channel without a discovery step.
// Room conversations use the room ID directly and do not go through here.
func PairChannelID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}
