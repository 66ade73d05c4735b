package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/media"
	"github.com/parleyhq/parley/pkg/signal"
)

// Manager owns one Session per conversation channel. Sessions are created
// lazily and live until the manager closes; each holds its own transport
// subscription, so the manager does no signal routing of its own.
type Manager struct {
	selfID    string
	transport signal.Transport
	devices   media.Devices
	rtcConfig webrtc.Configuration
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(channelID string, callType signal.CallType)
}

// NewManager creates a session manager for selfID over the given transport.
func NewManager(selfID string, transport signal.Transport, devices media.Devices, rtcConfig webrtc.Configuration, log *logger.Logger) *Manager {
	return &Manager{
		selfID:    selfID,
		transport: transport,
		devices:   devices,
		rtcConfig: rtcConfig,
		logger:    log,
		sessions:  make(map[string]*Session),
	}
}

// OnIncoming registers a callback fired whenever any session buffers an
// incoming offer. The host API uses this to surface ringing state.
func (m *Manager) OnIncoming(fn func(channelID string, callType signal.CallType)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Session returns the controller for channelID, creating and subscribing it
// on first use. cb applies only on creation; later calls for the same
// channel return the existing session unchanged.
func (m *Manager) Session(channelID string, cb Callbacks) *Session {
	m.mu.RLock()
	sess, ok := m.sessions[channelID]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[channelID]; ok {
		return sess
	}

	userIncoming := cb.OnIncomingCall
	cb.OnIncomingCall = func(callType signal.CallType) {
		m.fireIncoming(channelID, callType)
		if userIncoming != nil {
			userIncoming(callType)
		}
	}

	sess = NewSession(SessionConfig{
		ChannelID: channelID,
		SelfID:    m.selfID,
		Transport: m.transport,
		Devices:   m.devices,
		RTC:       m.rtcConfig,
		Callbacks: cb,
		Logger:    m.logger,
	})
	m.sessions[channelID] = sess
	m.logger.Debug("[Call] session created for channel %s", channelID)
	return sess
}

// DirectSession returns the session for a direct conversation with peerID,
// deriving the symmetric pairwise channel.
func (m *Manager) DirectSession(peerID string, cb Callbacks) *Session {
	return m.Session(signal.PairChannelID(m.selfID, peerID), cb)
}

// Get returns an existing session without creating one.
func (m *Manager) Get(channelID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[channelID]
	return sess, ok
}

// Statuses snapshots every session, for the host API.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	return statuses
}

// CloseAll hangs up every live call and closes every session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.HangUp(ctx); err != nil {
			m.logger.Warn("[Call] hang up %s: %v", sess.ChannelID(), err)
		}
		sess.Close()
	}
}

func (m *Manager) fireIncoming(channelID string, callType signal.CallType) {
	m.incomingMu.RLock()
	handlers := make([]func(string, signal.CallType), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()

	for _, fn := range handlers {
		fn(channelID, callType)
	}
}
