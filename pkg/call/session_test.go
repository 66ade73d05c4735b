package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/media"
	"github.com/parleyhq/parley/pkg/signal"
)

func testLogger() *logger.Logger {
	log := logger.NewDefault("TEST")
	log.SetLevel(logger.ErrorLevel)
	return log
}

func newTestSession(t *testing.T, transport signal.Transport, channelID, selfID string, cb Callbacks) *Session {
	t.Helper()
	sess := NewSession(SessionConfig{
		ChannelID: channelID,
		SelfID:    selfID,
		Transport: transport,
		Devices:   media.NewSyntheticDevices(),
		Callbacks: cb,
		Logger:    testLogger(),
	})
	t.Cleanup(sess.Close)
	return sess
}

// fakeOffer builds an offer signal the way a remote peer would, without
// driving a real peer connection. The SDP is only validated on Accept.
func fakeOffer(t *testing.T, channelID, senderID string, callType signal.CallType) signal.Signal {
	t.Helper()
	sig, err := signal.NewOffer(channelID, senderID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
	}, callType)
	if err != nil {
		t.Fatalf("Failed to build offer signal: %v", err)
	}
	return sig
}

func fakeCandidate(t *testing.T, channelID, senderID, candidate string) signal.Signal {
	t.Helper()
	sig, err := signal.NewCandidate(channelID, senderID, webrtc.ICECandidateInit{Candidate: candidate})
	if err != nil {
		t.Fatalf("Failed to build candidate signal: %v", err)
	}
	return sig
}

// realOffer drives an actual peer connection to produce an offer with valid
// SDP, so Accept can set it as the remote description.
func realOffer(t *testing.T, channelID, senderID string, callType signal.CallType) signal.Signal {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("Failed to create offerer peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("Failed to add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("Failed to set local description: %v", err)
	}

	sig, err := signal.NewOffer(channelID, senderID, offer, callType)
	if err != nil {
		t.Fatalf("Failed to build offer signal: %v", err)
	}
	return sig
}

// fakeAnswer builds an answer signal the shape of a leftover from an earlier
// attempt. Its SDP carries no transport details, so applying it to a live
// peer connection fails cleanly.
func fakeAnswer(t *testing.T, channelID, senderID, targetID string) signal.Signal {
	t.Helper()
	sig, err := signal.NewAnswer(channelID, senderID, targetID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
	}, signal.CallAudio)
	if err != nil {
		t.Fatalf("Failed to build answer signal: %v", err)
	}
	return sig
}

func waitFor(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

// failingDevices simulates denied capture permissions.
type failingDevices struct{}

func (failingDevices) GetMedia(signal.CallType) (*media.Stream, error) {
	return nil, errors.New("permission denied")
}

func TestStartMediaFailureAborts(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	sess := NewSession(SessionConfig{
		ChannelID: "alice:bob",
		SelfID:    "alice",
		Transport: transport,
		Devices:   failingDevices{},
		Logger:    testLogger(),
	})
	defer sess.Close()

	err := sess.Start(context.Background(), signal.CallAudio)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Expected ErrMediaUnavailable, got %v", err)
	}

	status := sess.Status()
	if status.State != StateIdle {
		t.Errorf("Expected idle state after aborted start, got %q", status.State)
	}
	for _, sig := range transport.Retained("alice:bob") {
		if sig.Kind == signal.KindOffer {
			t.Error("Aborted start must not publish an offer")
		}
	}
}

func TestAcceptMediaFailureAborts(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	sess := NewSession(SessionConfig{
		ChannelID: "alice:bob",
		SelfID:    "bob",
		Transport: transport,
		Devices:   failingDevices{},
		Callbacks: Callbacks{
			OnIncomingCall: func(signal.CallType) { close(ringing) },
		},
		Logger: testLogger(),
	})
	defer sess.Close()

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	err := sess.Accept(context.Background())
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Expected ErrMediaUnavailable, got %v", err)
	}
	if status := sess.Status(); status.State != StateIdle {
		t.Errorf("Expected idle state after aborted accept, got %q", status.State)
	}
}

func TestIncomingOfferRings(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	var ringType signal.CallType
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(callType signal.CallType) {
			ringType = callType
			close(ringing)
		},
	})

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallVideo))
	waitFor(t, "incoming call", ringing)

	if ringType != signal.CallVideo {
		t.Errorf("Expected video call, got %q", ringType)
	}
	status := sess.Status()
	if status.State != StateRinging {
		t.Errorf("Expected state %q, got %q", StateRinging, status.State)
	}
	if status.PendingType != signal.CallVideo {
		t.Errorf("Expected pending type %q, got %q", signal.CallVideo, status.PendingType)
	}
}

func TestStartWhilePendingOfferIsLineBusy(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
	})

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	if err := sess.Start(context.Background(), signal.CallAudio); err != ErrLineBusy {
		t.Fatalf("Expected ErrLineBusy, got %v", err)
	}

	// The pending offer must survive the rejected start.
	status := sess.Status()
	if status.State != StateRinging {
		t.Errorf("Expected state %q after failed start, got %q", StateRinging, status.State)
	}
	if status.PendingType != signal.CallAudio {
		t.Errorf("Expected pending offer preserved, got type %q", status.PendingType)
	}
	if retained := transport.Retained("alice:bob"); len(retained) != 0 {
		t.Errorf("Expected no signals published by the failed start, found %d", len(retained))
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
	})

	// Candidates arriving before any offer must be buffered, not dropped.
	sess.Deliver(fakeCandidate(t, "alice:bob", "alice", "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"))
	sess.Deliver(fakeCandidate(t, "alice:bob", "alice", "candidate:2 1 udp 2130706431 192.0.2.2 54322 typ host"))
	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		buffered := len(sess.pendingCandidates)
		sess.mu.Unlock()
		if buffered == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 buffered candidates, got %d", buffered)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Arrival order must be preserved for the flush on accept.
	sess.mu.Lock()
	first := sess.pendingCandidates[0].Candidate
	sess.mu.Unlock()
	if first != "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host" {
		t.Errorf("Buffered candidates out of arrival order: %q first", first)
	}
}

func TestRejectClearsPendingAndNotifiesCaller(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
	})

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	if err := sess.Reject(context.Background()); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	status := sess.Status()
	if status.State != StateIdle {
		t.Errorf("Expected idle state after reject, got %q", status.State)
	}
	if err := sess.Reject(context.Background()); err != ErrNoPendingCall {
		t.Errorf("Expected ErrNoPendingCall on second reject, got %v", err)
	}

	// The offerer is told to stop ringing with a targeted hang-up.
	var found bool
	for _, sig := range transport.Retained("alice:bob") {
		if sig.Kind == signal.KindHangUp && sig.TargetID == "alice" {
			found = true
		}
	}
	if !found {
		t.Error("Expected a hang-up targeted at the offerer")
	}
}

func TestHangUpIdleIsNoOp(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ended := make(chan struct{}, 4)
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnCallEnded: func() { ended <- struct{}{} },
	})

	ctx := context.Background()
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("HangUp on idle session failed: %v", err)
	}
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("Second HangUp failed: %v", err)
	}

	select {
	case <-ended:
		t.Error("OnCallEnded fired for an idle session")
	case <-time.After(100 * time.Millisecond):
	}
	if retained := transport.Retained("alice:bob"); len(retained) != 0 {
		t.Errorf("Idle hang-up published %d signals", len(retained))
	}
}

func TestHangUpRingingEndsOnce(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	ended := make(chan struct{}, 4)
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
		OnCallEnded:    func() { ended <- struct{}{} },
	})

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	ctx := context.Background()
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("HangUp failed: %v", err)
	}
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("Second HangUp failed: %v", err)
	}

	<-ended
	select {
	case <-ended:
		t.Error("OnCallEnded fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartPurgesStaleSignals(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ctx := context.Background()
	// A hang-up left over from an aborted previous attempt.
	if err := transport.Publish(ctx, signal.NewHangUp("alice:bob", "bob-old", "")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sess := newTestSession(t, transport, "alice:bob", "alice", Callbacks{})
	if err := sess.Start(ctx, signal.CallAudio); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, sig := range transport.Retained("alice:bob") {
		if sig.SenderID == "bob-old" {
			t.Error("Stale signal survived the pre-start purge")
		}
	}

	status := sess.Status()
	if status.State != StateOffering {
		t.Errorf("Expected state %q, got %q", StateOffering, status.State)
	}
}

func TestStartPublishesBroadcastOffer(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	localStream := make(chan struct{})
	sess := newTestSession(t, transport, "alice:bob", "alice", Callbacks{
		OnLocalStream: func(*media.Stream) { close(localStream) },
	})

	if err := sess.Start(context.Background(), signal.CallVideo); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "local stream", localStream)

	var offer *signal.Signal
	for _, sig := range transport.Retained("alice:bob") {
		if sig.Kind == signal.KindOffer {
			s := sig
			offer = &s
		}
	}
	if offer == nil {
		t.Fatal("Expected an offer in the channel")
	}
	if offer.TargetID != "" {
		t.Errorf("Expected broadcast offer, got target %q", offer.TargetID)
	}

	var payload signal.SessionPayload
	if err := json.Unmarshal(offer.Payload, &payload); err != nil {
		t.Fatalf("Failed to decode offer payload: %v", err)
	}
	if payload.CallType != signal.CallVideo {
		t.Errorf("Expected video offer, got %q", payload.CallType)
	}
}

func TestRemoteHangUpEndsRinging(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ringing := make(chan struct{})
	ended := make(chan struct{})
	sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
		OnCallEnded:    func() { close(ended) },
	})

	sess.Deliver(fakeOffer(t, "alice:bob", "alice", signal.CallAudio))
	waitFor(t, "incoming call", ringing)

	// The caller gave up before we answered.
	sess.Deliver(signal.NewHangUp("alice:bob", "alice", ""))
	waitFor(t, "call ended", ended)

	if status := sess.Status(); status.State != StateIdle {
		t.Errorf("Expected idle state after remote hang-up, got %q", status.State)
	}
	if err := sess.Accept(context.Background()); err != ErrNoPendingCall {
		t.Errorf("Expected ErrNoPendingCall after cancelled offer, got %v", err)
	}
}

// TestCandidateInterleavingsWithAccept walks every split of N trickled
// candidates around the remote-description event on the callee side.
// Candidates ahead of Accept buffer in arrival order and flush exactly once
// when the description is set; candidates behind it apply directly.
func TestCandidateInterleavingsWithAccept(t *testing.T) {
	const n = 4
	for split := 0; split <= n; split++ {
		t.Run(fmt.Sprintf("%d_before_accept", split), func(t *testing.T) {
			transport := signal.NewMemoryTransport()
			defer transport.Close()

			ringing := make(chan struct{}, 2)
			sess := newTestSession(t, transport, "alice:bob", "bob", Callbacks{
				OnIncomingCall: func(signal.CallType) { ringing <- struct{}{} },
			})

			sess.Deliver(realOffer(t, "alice:bob", "alice", signal.CallAudio))
			waitFor(t, "incoming call", ringing)

			candidates := make([]string, n)
			for i := range candidates {
				candidates[i] = fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 54321 typ host", i+1, i+1)
			}
			for _, c := range candidates[:split] {
				sess.Deliver(fakeCandidate(t, "alice:bob", "alice", c))
			}

			deadline := time.Now().Add(2 * time.Second)
			for {
				sess.mu.Lock()
				buffered := make([]string, 0, len(sess.pendingCandidates))
				for _, c := range sess.pendingCandidates {
					buffered = append(buffered, c.Candidate)
				}
				sess.mu.Unlock()
				if len(buffered) == split {
					for i, c := range buffered {
						if c != candidates[i] {
							t.Fatalf("Buffered candidate %d out of arrival order: %q", i, c)
						}
					}
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("Expected %d buffered candidates, got %d", split, len(buffered))
				}
				time.Sleep(5 * time.Millisecond)
			}

			if err := sess.Accept(context.Background()); err != nil {
				t.Fatalf("Accept failed: %v", err)
			}

			// Setting the description flushes the whole buffer at once.
			sess.mu.Lock()
			leftover := len(sess.pendingCandidates)
			sess.mu.Unlock()
			if leftover != 0 {
				t.Fatalf("Expected empty buffer after accept, %d left", leftover)
			}

			for _, c := range candidates[split:] {
				sess.Deliver(fakeCandidate(t, "alice:bob", "alice", c))
			}
			// The queue is ordered, so a trailing offer ringing again proves
			// the candidates ahead of it were handled.
			sess.Deliver(realOffer(t, "alice:bob", "alice", signal.CallAudio))
			waitFor(t, "queue drained", ringing)

			sess.mu.Lock()
			buffered := len(sess.pendingCandidates)
			sess.mu.Unlock()
			if buffered != 0 {
				t.Errorf("Candidates after the description must apply directly, %d buffered", buffered)
			}
		})
	}
}

// TestHangUpAfterConnectionFailed covers teardown idempotence once the peer
// connection has already failed and torn the call down.
func TestHangUpAfterConnectionFailed(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ended := make(chan struct{}, 4)
	sess := newTestSession(t, transport, "alice:bob", "alice", Callbacks{
		OnCallEnded: func() { ended <- struct{}{} },
	})

	ctx := context.Background()
	if err := sess.Start(ctx, signal.CallAudio); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sess.mu.Lock()
	attempt := sess.attempt
	sess.mu.Unlock()
	sess.handleConnectionState(attempt, webrtc.PeerConnectionStateFailed)
	waitFor(t, "call ended", ended)

	if status := sess.Status(); status.State != StateIdle {
		t.Fatalf("Expected idle state after failure, got %q", status.State)
	}

	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("HangUp after failed connection errored: %v", err)
	}
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("Second HangUp errored: %v", err)
	}

	select {
	case <-ended:
		t.Error("OnCallEnded fired again for hang-up on an ended call")
	case <-time.After(100 * time.Millisecond):
	}

	sess.mu.Lock()
	danglingPC := sess.pc != nil
	danglingStream := sess.localStream != nil
	sess.mu.Unlock()
	if danglingPC {
		t.Error("Expected no dangling peer connection")
	}
	if danglingStream {
		t.Error("Expected no dangling local stream")
	}
	for _, sig := range transport.Retained("alice:bob") {
		if sig.Kind == signal.KindHangUp {
			t.Error("Hang-up on an already ended call published a signal")
		}
	}
}

// TestLateStaleAnswerAfterRestart simulates an in-flight answer from an
// abandoned attempt arriving after a fresh start. It must be skipped without
// disturbing the replacement peer connection.
func TestLateStaleAnswerAfterRestart(t *testing.T) {
	transport := signal.NewMemoryTransport()
	defer transport.Close()

	ctx := context.Background()
	sess := newTestSession(t, transport, "alice:bob", "alice", Callbacks{})

	// First attempt goes nowhere and is hung up.
	if err := sess.Start(ctx, signal.CallVideo); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sess.HangUp(ctx); err != nil {
		t.Fatalf("HangUp failed: %v", err)
	}

	// Retry. The purge wipes the retained log, so only an in-flight
	// delivery can still carry the abandoned attempt's signals.
	if err := sess.Start(ctx, signal.CallVideo); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}

	sess.Deliver(fakeAnswer(t, "alice:bob", "bob", "alice"))
	// The queue is ordered: once this candidate is buffered, the stale
	// answer ahead of it has been handled.
	sess.Deliver(fakeCandidate(t, "alice:bob", "bob", "candidate:9 1 udp 2130706431 192.0.2.9 54321 typ host"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		buffered := len(sess.pendingCandidates)
		sess.mu.Unlock()
		if buffered == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected the trailing candidate buffered, got %d", buffered)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.mu.Lock()
	state := sess.state
	descSet := sess.remoteDescSet
	live := sess.pc != nil
	sess.mu.Unlock()
	if state != StateOffering {
		t.Errorf("Expected state %q after stale answer, got %q", StateOffering, state)
	}
	if descSet {
		t.Error("Stale answer must not count as the remote description")
	}
	if !live {
		t.Error("Fresh peer connection must survive the stale answer")
	}
}

// TestCallConnectsEndToEnd runs a full video call between two sessions over
// the in-process transport, with real peer connections negotiating over
// loopback.
func TestCallConnectsEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping ICE negotiation in short mode")
	}

	transport := signal.NewMemoryTransport()
	defer transport.Close()

	channelID := signal.PairChannelID("alice", "bob")
	ctx := context.Background()

	aliceConnected := make(chan struct{})
	aliceRemote := make(chan struct{})
	alice := newTestSession(t, transport, channelID, "alice", Callbacks{
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				select {
				case <-aliceConnected:
				default:
					close(aliceConnected)
				}
			}
		},
		OnRemoteStream: func(*webrtc.TrackRemote) { close(aliceRemote) },
	})

	ringing := make(chan struct{})
	bobConnected := make(chan struct{})
	bob := newTestSession(t, transport, channelID, "bob", Callbacks{
		OnIncomingCall: func(signal.CallType) { close(ringing) },
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				select {
				case <-bobConnected:
				default:
					close(bobConnected)
				}
			}
		},
	})

	if err := alice.Start(ctx, signal.CallVideo); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "bob ringing", ringing)

	if err := bob.Accept(ctx); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	waitFor(t, "alice connected", aliceConnected)
	waitFor(t, "bob connected", bobConnected)
	waitFor(t, "alice remote stream", aliceRemote)

	if status := alice.Status(); status.State != StateConnected {
		t.Errorf("Expected alice in state %q, got %q", StateConnected, status.State)
	}
	if status := bob.Status(); status.State != StateConnected {
		t.Errorf("Expected bob in state %q, got %q", StateConnected, status.State)
	}

	// Track gating is local and does not renegotiate.
	alice.SetAudioEnabled(false)
	if status := alice.Status(); status.AudioEnabled {
		t.Error("Expected audio gated off")
	}

	if err := alice.HangUp(ctx); err != nil {
		t.Fatalf("HangUp failed: %v", err)
	}
}
