package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	apperrors "peercall/pkg/errors"
	"peercall/pkg/logger"
)

// SessionEvents carries the outbound callbacks a session raises. All fields
// are optional; nil callbacks are skipped.
type SessionEvents struct {
	// OnLocalCandidate fires for every gathered ICE candidate (trickle).
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)
	// OnRenegotiationNeeded fires when the session needs a fresh offer
	// sent to the remote user, including ICE-restart reconnections.
	OnRenegotiationNeeded func(iceRestart bool)
	// OnStateChange reports peer connection state transitions.
	OnStateChange func(state webrtc.PeerConnectionState)
	// OnTrack delivers inbound remote tracks.
	OnTrack func(track RemoteTrack)
	// OnGiveUp fires when reconnection attempts are exhausted.
	OnGiveUp func()
}

// Session owns the peer connection to a single remote user: ICE candidate
// queueing, negotiation-state validation, and the reconnection policy.
type Session struct {
	remoteUserID string
	pc           *webrtc.PeerConnection
	events       SessionEvents

	maxReconnectAttempts int
	disconnectedGrace    time.Duration

	mu                sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool
	tracksAttached    bool
	reconnectAttempts int
	disconnectTimer   *time.Timer
	closed            bool
}

func newSession(remoteUserID string, pc *webrtc.PeerConnection, events SessionEvents, maxReconnectAttempts int, disconnectedGrace time.Duration) *Session {
	s := &Session{
		remoteUserID:         remoteUserID,
		pc:                   pc,
		events:               events,
		maxReconnectAttempts: maxReconnectAttempts,
		disconnectedGrace:    disconnectedGrace,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		if s.events.OnLocalCandidate != nil {
			s.events.OnLocalCandidate(candidate.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Remote track received",
			zap.String("remote_user_id", remoteUserID),
			zap.String("track_id", track.ID()),
			zap.String("kind", track.Kind().String()))
		if s.events.OnTrack != nil {
			s.events.OnTrack(newPionRemoteTrack(track))
		}
	})

	pc.OnConnectionStateChange(s.handleStateChange)

	return s
}

// RemoteUserID returns the user this session connects to
func (s *Session) RemoteUserID() string { return s.remoteUserID }

// ConnectionState returns the current peer connection state
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// AttachTracks adds the local capture tracks once per session. Repeat calls
// are no-ops so offer and answer paths can both attach unconditionally.
func (s *Session) AttachTracks(media *LocalMedia) error {
	s.mu.Lock()
	if s.tracksAttached {
		s.mu.Unlock()
		return nil
	}
	s.tracksAttached = true
	s.mu.Unlock()

	for _, track := range media.Tracks() {
		if _, err := s.pc.AddTrack(track.RTPTrack()); err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

// CreateOffer produces and installs a local offer. A plain offer is only
// valid from the stable signaling state; an ICE-restart offer is allowed
// from any state because it rebuilds the transport.
func (s *Session) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if !iceRestart && s.pc.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, apperrors.InvalidStateError(
			fmt.Sprintf("cannot create offer in signaling state %s", s.pc.SignalingState()))
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer produces and installs a local answer. Valid only after a
// remote offer has been applied.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	if s.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, apperrors.InvalidStateError(
			fmt.Sprintf("cannot create answer in signaling state %s", s.pc.SignalingState()))
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote offer or answer, then flushes
// every ICE candidate queued while no remote description was present.
// Candidates flush in arrival order and independently: one rejected
// candidate does not block the rest.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeAnswer &&
		s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return apperrors.InvalidStateError(
			fmt.Sprintf("answer received in signaling state %s", s.pc.SignalingState()))
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote %s: %w", desc.Type, err)
	}

	s.mu.Lock()
	queued := s.pendingCandidates
	s.pendingCandidates = nil
	s.remoteDescSet = true
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			logger.Warn("Discarding queued ICE candidate",
				zap.String("remote_user_id", s.remoteUserID),
				zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate, queueing it if the remote
// description has not arrived yet
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many candidates await the remote description
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

// ReconnectAttempts reports how many ICE restarts have been requested since
// the connection was last up
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// seedReconnectAttempts carries a restart budget over from a replaced
// session, so rebuilding the peer connection does not grant unlimited
// retries
func (s *Session) seedReconnectAttempts(n int) {
	s.mu.Lock()
	s.reconnectAttempts = n
	s.mu.Unlock()
}

func (s *Session) handleStateChange(state webrtc.PeerConnectionState) {
	logger.Info("Peer connection state changed",
		zap.String("remote_user_id", s.remoteUserID),
		zap.String("state", state.String()))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.reconnectAttempts = 0
		s.stopDisconnectTimerLocked()
	case webrtc.PeerConnectionStateFailed:
		s.stopDisconnectTimerLocked()
		s.scheduleReconnectLocked(0)
	case webrtc.PeerConnectionStateDisconnected:
		// Give ICE time to recover on its own before forcing a restart.
		if s.disconnectTimer == nil {
			s.scheduleReconnectLocked(s.disconnectedGrace)
		}
	default:
		s.stopDisconnectTimerLocked()
	}
	s.mu.Unlock()

	if s.events.OnStateChange != nil {
		s.events.OnStateChange(state)
	}
}

// scheduleReconnectLocked must be called with s.mu held
func (s *Session) scheduleReconnectLocked(after time.Duration) {
	if s.reconnectAttempts >= s.maxReconnectAttempts {
		logger.Warn("Reconnection attempts exhausted",
			zap.String("remote_user_id", s.remoteUserID),
			zap.Int("attempts", s.reconnectAttempts))
		if s.events.OnGiveUp != nil {
			go s.events.OnGiveUp()
		}
		return
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts

	fire := func() {
		s.mu.Lock()
		s.disconnectTimer = nil
		closed := s.closed
		state := s.pc.ConnectionState()
		s.mu.Unlock()
		if closed {
			return
		}
		if state != webrtc.PeerConnectionStateDisconnected &&
			state != webrtc.PeerConnectionStateFailed {
			return // recovered in the meantime
		}
		logger.Info("Requesting ICE restart",
			zap.String("remote_user_id", s.remoteUserID),
			zap.Int("attempt", attempt))
		if s.events.OnRenegotiationNeeded != nil {
			s.events.OnRenegotiationNeeded(true)
		}
	}

	if after <= 0 {
		go fire()
		return
	}
	s.disconnectTimer = time.AfterFunc(after, fire)
}

// stopDisconnectTimerLocked must be called with s.mu held
func (s *Session) stopDisconnectTimerLocked() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
}

// Close tears the peer connection down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopDisconnectTimerLocked()
	s.mu.Unlock()
	return s.pc.Close()
}
