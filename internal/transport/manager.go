package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/pkg/constants"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/logger"
)

// Config carries the transport tunables
type Config struct {
	ICEServerURLs        []string
	MaxReconnectAttempts int
	DisconnectedGrace    time.Duration
	UnmuteRecheckDelays  []time.Duration
}

// DefaultConfig returns the standard transport configuration
func DefaultConfig() Config {
	return Config{
		ICEServerURLs:        []string{"stun:stun.l.google.com:19302"},
		MaxReconnectAttempts: constants.MaxReconnectionAttempts,
		DisconnectedGrace:    constants.DisconnectedGracePeriod,
		UnmuteRecheckDelays:  constants.UnmuteRecheckDelays,
	}
}

// Events carries the outbound callbacks the manager raises, each tagged
// with the remote user the event belongs to
type Events struct {
	OnLocalCandidate      func(remoteUserID string, candidate webrtc.ICECandidateInit)
	OnRenegotiationNeeded func(remoteUserID string, iceRestart bool)
	OnStateChange         func(remoteUserID string, state webrtc.PeerConnectionState)
	OnRemoteStream        StreamFunc
	OnGiveUp              func(remoteUserID string)
}

// Manager owns every peer session for the local user: one Session per
// remote user, the shared webrtc.API, the capture tracks, and the remote
// track aggregator.
type Manager struct {
	localUserID string
	api         *webrtc.API
	cfg         Config
	events      Events
	aggregator  *Aggregator

	mu       sync.Mutex
	sessions map[string]*Session
	media    *LocalMedia
}

// NewManager builds the webrtc API once and reuses it for every session
func NewManager(localUserID string, cfg Config, events Events) (*Manager, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	var settingEngine webrtc.SettingEngine
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	m := &Manager{
		localUserID: localUserID,
		api:         api,
		cfg:         cfg,
		events:      events,
		sessions:    make(map[string]*Session),
	}
	onStream := events.OnRemoteStream
	if onStream == nil {
		onStream = func(string, *RemoteStream) {}
	}
	m.aggregator = NewAggregator(onStream, cfg.UnmuteRecheckDelays)
	return m, nil
}

// LocalUserID returns the identity this manager was built for
func (m *Manager) LocalUserID() string { return m.localUserID }

// SetLocalMedia installs the capture tracks used by subsequent sessions
func (m *Manager) SetLocalMedia(media *LocalMedia) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = media
}

// LocalMedia returns the current capture tracks, if any
func (m *Manager) LocalMedia() *LocalMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

// EnsureSession returns the session for the remote user, creating it on
// first use. Creation is idempotent: concurrent callers get the same
// session.
func (m *Manager) EnsureSession(remoteUserID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	carriedAttempts := 0
	if session, ok := m.sessions[remoteUserID]; ok {
		switch session.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
			// Stale session; tear it down and build a fresh one. The restart
			// budget carries over, otherwise a dead link would get a zeroed
			// counter on every rebuild and never give up.
			carriedAttempts = session.ReconnectAttempts()
			session.Close()
			delete(m.sessions, remoteUserID)
		default:
			return session, nil
		}
	}

	pc, err := m.api.NewPeerConnection(m.pionConfig())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for %s: %w", remoteUserID, err)
	}

	session := newSession(remoteUserID, pc, SessionEvents{
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			if m.events.OnLocalCandidate != nil {
				m.events.OnLocalCandidate(remoteUserID, candidate)
			}
		},
		OnRenegotiationNeeded: func(iceRestart bool) {
			if m.events.OnRenegotiationNeeded != nil {
				m.events.OnRenegotiationNeeded(remoteUserID, iceRestart)
			}
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			if m.events.OnStateChange != nil {
				m.events.OnStateChange(remoteUserID, state)
			}
		},
		OnTrack: func(track RemoteTrack) {
			m.aggregator.AddTrack(remoteUserID, track)
		},
		OnGiveUp: func() {
			if m.events.OnGiveUp != nil {
				m.events.OnGiveUp(remoteUserID)
			}
		},
	}, m.cfg.MaxReconnectAttempts, m.cfg.DisconnectedGrace)
	if carriedAttempts > 0 {
		session.seedReconnectAttempts(carriedAttempts)
	}

	m.sessions[remoteUserID] = session
	logger.Info("Peer session created",
		zap.String("local_user_id", m.localUserID),
		zap.String("remote_user_id", remoteUserID))
	return session, nil
}

// Session returns an existing session or nil
func (m *Manager) Session(remoteUserID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[remoteUserID]
}

// SessionCount reports how many peer sessions are open
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CreateOffer ensures a session, attaches the capture tracks, and produces
// a local offer. iceRestart rebuilds the ICE transport on the same session.
func (m *Manager) CreateOffer(remoteUserID string, iceRestart bool) (webrtc.SessionDescription, error) {
	session, err := m.EnsureSession(remoteUserID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if media := m.LocalMedia(); media != nil {
		if err := session.AttachTracks(media); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	return session.CreateOffer(iceRestart)
}

// HandleRemoteOffer applies a remote offer and produces the answer,
// attaching the capture tracks before answering so both directions are in
// the SDP
func (m *Manager) HandleRemoteOffer(remoteUserID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	session, err := m.EnsureSession(remoteUserID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := session.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if media := m.LocalMedia(); media != nil {
		if err := session.AttachTracks(media); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	return session.CreateAnswer()
}

// HandleRemoteAnswer applies a remote answer to the pending local offer
func (m *Manager) HandleRemoteAnswer(remoteUserID string, answer webrtc.SessionDescription) error {
	session := m.Session(remoteUserID)
	if session == nil {
		return apperrors.InvalidStateError(
			fmt.Sprintf("answer from %s without a pending offer", remoteUserID))
	}
	return session.SetRemoteDescription(answer)
}

// AddICECandidate routes a remote candidate to its session, creating the
// session if the candidate outran the offer
func (m *Manager) AddICECandidate(remoteUserID string, candidate webrtc.ICECandidateInit) error {
	session, err := m.EnsureSession(remoteUserID)
	if err != nil {
		return err
	}
	return session.AddICECandidate(candidate)
}

// CloseSession tears down the session for one remote user
func (m *Manager) CloseSession(remoteUserID string) {
	m.mu.Lock()
	session, ok := m.sessions[remoteUserID]
	if ok {
		delete(m.sessions, remoteUserID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.aggregator.RemoveUser(remoteUserID)
	if err := session.Close(); err != nil {
		logger.Warn("Closing peer session",
			zap.String("remote_user_id", remoteUserID),
			zap.Error(err))
	}
}

// CloseAll tears down every session and stops the capture tracks
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	media := m.media
	m.media = nil
	m.mu.Unlock()

	for _, session := range sessions {
		m.aggregator.RemoveUser(session.RemoteUserID())
		session.Close()
	}
	if media != nil {
		media.Stop()
	}
}

func (m *Manager) pionConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(m.cfg.ICEServerURLs))
	for _, url := range m.cfg.ICEServerURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}
