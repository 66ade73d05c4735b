package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/media"
	"github.com/parleyhq/parley/pkg/signal"
)

// SessionConfig carries the collaborators a Session negotiates with.
type SessionConfig struct {
	ChannelID string
	SelfID    string
	Transport signal.Transport
	Devices   media.Devices
	RTC       webrtc.Configuration
	Callbacks Callbacks
	Logger    *logger.Logger
}

// Session is the media session controller for one conversation. It owns the
// local capture stream, the peer connection, the ICE candidate buffer and
// the pending incoming offer, and runs the offer/answer/hang-up state
// machine. The session outlives individual calls: each call attempt creates
// a fresh peer connection and local stream, and teardown returns the session
// to idle with its signaling subscription intact.
type Session struct {
	channelID string
	selfID    string
	transport signal.Transport
	devices   media.Devices
	rtcConfig webrtc.Configuration
	callbacks Callbacks
	logger    *logger.Logger

	queue       *signalQueue
	unsubscribe func()

	mu    sync.Mutex
	state State
	// attempt identifies the current peer connection. Callbacks from a
	// closed, replaced connection carry a stale attempt and are ignored.
	attempt           uint64
	pc                *webrtc.PeerConnection
	localStream       *media.Stream
	pendingOffer      *pendingOffer
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool
	remoteStreamSeen  bool
}

type pendingOffer struct {
	senderID string
	sdp      webrtc.SessionDescription
	callType signal.CallType
}

// NewSession creates a controller for one conversation channel and
// subscribes it to the transport. Call Close when the conversation goes
// away; HangUp alone keeps the session alive for the next call.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		channelID: cfg.ChannelID,
		selfID:    cfg.SelfID,
		transport: cfg.Transport,
		devices:   cfg.Devices,
		rtcConfig: cfg.RTC,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger,
		state:     StateIdle,
	}
	s.queue = newSignalQueue(s.handleSignal, cfg.Logger)
	s.unsubscribe = cfg.Transport.Subscribe(cfg.ChannelID, cfg.SelfID, s.Deliver)
	return s
}

// ChannelID returns the signaling channel this session negotiates on.
func (s *Session) ChannelID() string {
	return s.channelID
}

// Deliver feeds one inbound signal into the session's queue. The transport
// subscription calls this; tests may call it directly to simulate stale or
// reordered delivery. Signals not addressed to this peer are dropped here,
// so a misbehaving transport cannot make a session process its own
// publishes.
func (s *Session) Deliver(sig signal.Signal) {
	if !sig.AddressedTo(s.selfID) {
		return
	}
	s.queue.enqueue(sig)
}

// Start begins an outgoing call. It fails with ErrLineBusy while an incoming
// offer awaits a decision; otherwise any prior peer connection is closed and
// replaced, the channel's retained signals are purged, local media for
// callType is acquired, and a broadcast offer is published. A retry never
// inherits ICE state: the replacement peer connection gathers from scratch.
func (s *Session) Start(ctx context.Context, callType signal.CallType) error {
	s.mu.Lock()

	if s.pendingOffer != nil {
		s.mu.Unlock()
		return ErrLineBusy
	}

	// Replace, never reuse: a retried call gets a fresh peer connection.
	s.closeCallLocked()
	s.state = StateOffering
	attempt := s.attempt

	// Stale signals from a previous attempt must not leak into this one.
	if err := s.transport.Purge(ctx, s.channelID); err != nil {
		s.logger.Warn("[Call] purge %s failed: %v", s.channelID, err)
	}

	stream, err := s.devices.GetMedia(callType)
	if err != nil {
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.localStream = stream

	pc, err := s.newPeerConnection(attempt, stream)
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return err
	}
	s.pc = pc

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	sig, err := signal.NewOffer(s.channelID, s.selfID, offer, callType)
	if err == nil {
		err = s.transport.Publish(ctx, sig)
	}
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to publish offer: %w", err)
	}

	s.mu.Unlock()

	s.logger.Info("[Call] %s: offering %s call", s.channelID, callType)
	if s.callbacks.OnLocalStream != nil {
		s.callbacks.OnLocalStream(stream)
	}
	return nil
}

// Accept answers the buffered incoming offer. Candidates that trickled in
// while ringing are preserved and applied, in arrival order, right after the
// remote description is set. The answer is targeted at the offerer.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()

	if s.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNoPendingCall
	}
	offer := *s.pendingOffer
	s.pendingOffer = nil

	// Replace any prior peer connection, keeping the candidate buffer:
	// candidates that trickled in while ringing belong to this negotiation.
	s.closeCallKeepBufferLocked()
	s.state = StateConnecting
	attempt := s.attempt

	stream, err := s.devices.GetMedia(offer.callType)
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.localStream = stream

	pc, err := s.newPeerConnection(attempt, stream)
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return err
	}
	s.pc = pc

	if err := pc.SetRemoteDescription(offer.sdp); err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	s.remoteDescSet = true
	s.flushCandidatesLocked()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}

	sig, err := signal.NewAnswer(s.channelID, s.selfID, offer.senderID, answer, offer.callType)
	if err == nil {
		err = s.transport.Publish(ctx, sig)
	}
	if err != nil {
		s.abortAttemptLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to publish answer: %w", err)
	}

	s.mu.Unlock()

	s.logger.Info("[Call] %s: accepted %s call from %s", s.channelID, offer.callType, offer.senderID)
	if s.callbacks.OnLocalStream != nil {
		s.callbacks.OnLocalStream(stream)
	}
	return nil
}

// Reject discards the buffered incoming offer and tells the offerer to stop
// ringing. No media is acquired.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNoPendingCall
	}
	senderID := s.pendingOffer.senderID
	s.pendingOffer = nil
	s.pendingCandidates = nil
	if s.state == StateRinging {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Info("[Call] %s: rejected call from %s", s.channelID, senderID)
	return s.transport.Publish(ctx, signal.NewHangUp(s.channelID, s.selfID, senderID))
}

// HangUp ends the current call, if any. It publishes a broadcast hang-up,
// then tears down local resources. Idempotent: hanging up an idle session is
// a no-op.
func (s *Session) HangUp(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle && s.pendingOffer == nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Publish failure must not leave local devices running.
	if err := s.transport.Publish(ctx, signal.NewHangUp(s.channelID, s.selfID, "")); err != nil {
		s.logger.Warn("[Call] %s: hang-up publish failed: %v", s.channelID, err)
	}

	s.mu.Lock()
	ended := s.closeCallLocked()
	s.mu.Unlock()

	s.logger.Info("[Call] %s: hung up", s.channelID)
	if ended && s.callbacks.OnCallEnded != nil {
		s.callbacks.OnCallEnded()
	}
	return nil
}

// SetAudioEnabled gates the local audio track. Local-only; no signal is
// published and nothing is renegotiated.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	stream := s.localStream
	s.mu.Unlock()
	if stream != nil {
		stream.SetAudioEnabled(enabled)
	}
}

// SetVideoEnabled gates the local video track.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	stream := s.localStream
	s.mu.Unlock()
	if stream != nil {
		stream.SetVideoEnabled(enabled)
	}
}

// Status returns a snapshot for the host API.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ChannelID: s.channelID,
		State:     s.state,
	}
	if s.pendingOffer != nil {
		st.PendingType = s.pendingOffer.callType
	}
	if s.localStream != nil {
		st.AudioEnabled = s.localStream.AudioEnabled()
		st.VideoEnabled = s.localStream.VideoEnabled()
	}
	return st
}

// Close tears the session down for good: unsubscribes from the transport and
// releases any live call without publishing a hang-up.
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	ended := s.closeCallLocked()
	s.mu.Unlock()
	if ended && s.callbacks.OnCallEnded != nil {
		s.callbacks.OnCallEnded()
	}
}

// handleSignal is the dispatcher target: exactly one invocation at a time
// per session, in arrival order. Returned errors are negotiation errors;
// the queue logs and skips them.
func (s *Session) handleSignal(sig signal.Signal) error {
	switch sig.Kind {
	case signal.KindOffer:
		return s.handleOffer(sig)
	case signal.KindAnswer:
		return s.handleAnswer(sig)
	case signal.KindCandidate:
		return s.handleCandidate(sig)
	case signal.KindHangUp:
		s.handleRemoteHangUp()
		return nil
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

// handleOffer buffers an incoming offer and raises OnIncomingCall. The offer
// is never auto-answered: the local user decides via Accept or Reject.
func (s *Session) handleOffer(sig signal.Signal) error {
	payload, err := sig.DecodeSession()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.pendingOffer != nil {
		// A re-sent or replaced offer supersedes the buffered one.
		s.logger.Warn("[Call] %s: replacing pending offer from %s", s.channelID, s.pendingOffer.senderID)
	}
	s.pendingOffer = &pendingOffer{
		senderID: sig.SenderID,
		sdp:      payload.SDP,
		callType: payload.CallType,
	}
	if s.state == StateIdle {
		s.state = StateRinging
	}
	s.mu.Unlock()

	s.logger.Info("[Call] %s: incoming %s call from %s", s.channelID, payload.CallType, sig.SenderID)
	if s.callbacks.OnIncomingCall != nil {
		s.callbacks.OnIncomingCall(payload.CallType)
	}
	return nil
}

// handleAnswer applies the remote answer on the caller side and flushes any
// candidates that arrived before it.
func (s *Session) handleAnswer(sig signal.Signal) error {
	payload, err := sig.DecodeSession()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil || s.state != StateOffering {
		return fmt.Errorf("answer from %s with no outstanding offer", sig.SenderID)
	}
	if err := s.pc.SetRemoteDescription(payload.SDP); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	s.remoteDescSet = true
	s.state = StateConnecting
	s.flushCandidatesLocked()

	s.logger.Info("[Call] %s: answer applied from %s", s.channelID, sig.SenderID)
	return nil
}

// handleCandidate applies a remote ICE candidate immediately when a remote
// description is set, and buffers it in arrival order otherwise. Buffering
// covers both races: candidates beating the answer on the caller side, and
// candidates trickling in while the callee is still ringing.
func (s *Session) handleCandidate(sig signal.Signal) error {
	candidate, err := sig.DecodeCandidate()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil && s.remoteDescSet {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("failed to add ICE candidate: %w", err)
		}
		return nil
	}

	s.pendingCandidates = append(s.pendingCandidates, candidate)
	return nil
}

// handleRemoteHangUp tears down in response to the remote side ending the
// call (or cancelling while we were still ringing).
func (s *Session) handleRemoteHangUp() {
	s.mu.Lock()
	ended := s.closeCallLocked()
	s.mu.Unlock()

	if ended {
		s.logger.Info("[Call] %s: remote hang-up", s.channelID)
		if s.callbacks.OnCallEnded != nil {
			s.callbacks.OnCallEnded()
		}
	}
}

// newPeerConnection creates and wires a peer connection for the current
// attempt. Caller holds s.mu.
func (s *Session) newPeerConnection(attempt uint64, stream *media.Stream) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(s.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, track := range stream.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to attach local track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.publishLocalCandidate(attempt, c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(attempt, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleConnectionState(attempt, state)
	})

	return pc, nil
}

// publishLocalCandidate sends one locally discovered candidate as a
// broadcast signal. Candidates from a replaced peer connection are dropped.
func (s *Session) publishLocalCandidate(attempt uint64, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	stale := attempt != s.attempt
	s.mu.Unlock()
	if stale {
		return
	}

	sig, err := signal.NewCandidate(s.channelID, s.selfID, candidate)
	if err == nil {
		err = s.transport.Publish(context.Background(), sig)
	}
	if err != nil {
		s.logger.Warn("[Call] %s: candidate publish failed: %v", s.channelID, err)
	}
}

// handleRemoteTrack raises OnRemoteStream once per call attempt.
func (s *Session) handleRemoteTrack(attempt uint64, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if attempt != s.attempt || s.remoteStreamSeen {
		s.mu.Unlock()
		return
	}
	s.remoteStreamSeen = true
	s.mu.Unlock()

	s.logger.Info("[Call] %s: remote %s track", s.channelID, track.Kind())
	if s.callbacks.OnRemoteStream != nil {
		s.callbacks.OnRemoteStream(track)
	}
}

// handleConnectionState relays aggregate connection state transitions.
// "failed" is terminal: the call is torn down. "disconnected" commonly
// self-recovers during brief network hiccups and does not tear down.
func (s *Session) handleConnectionState(attempt uint64, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return
	}

	ended := false
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.state = StateConnected
	case webrtc.PeerConnectionStateFailed:
		ended = s.closeCallLocked()
	}
	s.mu.Unlock()

	s.logger.Debug("[Call] %s: connection state %s", s.channelID, state)
	if s.callbacks.OnConnectionStateChange != nil {
		s.callbacks.OnConnectionStateChange(state)
	}
	if ended && s.callbacks.OnCallEnded != nil {
		s.callbacks.OnCallEnded()
	}
}

// flushCandidatesLocked applies buffered candidates in arrival order and
// clears the buffer. Caller holds s.mu with remoteDescSet true.
func (s *Session) flushCandidatesLocked() {
	for _, candidate := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warn("[Call] %s: buffered candidate rejected: %v", s.channelID, err)
		}
	}
	s.pendingCandidates = nil
}

// closeCallLocked releases the live call's resources and returns the session
// to idle. Reports whether a call (live or ringing) was actually ended. The
// attempt counter advances so callbacks from the old peer connection become
// inert. Caller holds s.mu.
func (s *Session) closeCallLocked() bool {
	ended := s.closeCallKeepBufferLocked()
	s.pendingCandidates = nil
	return ended
}

// closeCallKeepBufferLocked is closeCallLocked minus clearing the candidate
// buffer; Accept uses it because buffered candidates belong to the offer
// being answered.
func (s *Session) closeCallKeepBufferLocked() bool {
	ended := s.state != StateIdle || s.pendingOffer != nil

	if s.localStream != nil {
		s.localStream.Close()
		s.localStream = nil
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("[Call] %s: peer connection close: %v", s.channelID, err)
		}
		s.pc = nil
	}
	s.pendingOffer = nil
	s.remoteDescSet = false
	s.remoteStreamSeen = false
	s.state = StateIdle
	s.attempt++
	return ended
}

// abortAttemptLocked cleans up a partially constructed call attempt after a
// failure inside Start or Accept. Caller holds s.mu.
func (s *Session) abortAttemptLocked() {
	s.closeCallLocked()
}
