package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/signaling"
	"peercall/internal/transport"
	"peercall/pkg/constants"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
)

// Phase is the local lifecycle phase of the current call
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseOriginating  Phase = "originating"  // outbound, remote side ringing
	PhaseRinging      Phase = "ringing"      // inbound invitation awaiting a decision
	PhaseConnecting   Phase = "connecting"   // negotiation in flight
	PhaseActive       Phase = "active"       // media flowing
	PhaseReconnecting Phase = "reconnecting" // transport lost, restart in flight
	PhaseEnded        Phase = "ended"
)

// CallState is the externally visible snapshot of the current call
type CallState struct {
	Phase        Phase           `json:"phase"`
	CallID       string          `json:"callId,omitempty"`
	RemoteUserID string          `json:"remoteUserId,omitempty"`
	Type         domain.CallType `json:"type,omitempty"`
	// IsConnected is true while media is flowing. Derived from Phase so
	// observers do not have to.
	IsConnected bool   `json:"isConnected"`
	Reason      string `json:"reason,omitempty"`
}

// Options tunes the orchestrator; zero values fall back to defaults
type Options struct {
	// SettleDelay is the pause between observing acceptance and sending
	// the first offer, letting the remote side finish wiring its
	// subscriptions.
	SettleDelay time.Duration
	// LossGrace is how long a lost transport may self-heal before the
	// state is surfaced as reconnecting.
	LossGrace time.Duration
	Metrics   *metrics.Metrics
}

type activeCall struct {
	callID       string
	remoteUserID string
	callType     domain.CallType
	outbound     bool
	startedAt    time.Time
	media        *transport.LocalMedia
	cancels      []func()
}

func (c *activeCall) cancelAll() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

// Service orchestrates one call at a time: it drives the signaling exchange,
// owns the peer transport, and exposes state and remote streams to the
// surface layer.
type Service struct {
	signaling *signaling.Service
	transport *transport.Manager
	media     transport.MediaProvider
	opts      Options

	mu             sync.Mutex
	current        *activeCall
	state          CallState
	stateSubs      map[int]func(CallState)
	streamSubs     map[int]func(string, *transport.RemoteStream)
	lastStream     *transport.RemoteStream
	lastStreamUser string
	nextSubID      int
	seenCalls      map[string]bool
	incomingCancel func()
	lossTimer      *time.Timer
}

// NewService wires the orchestrator: the transport manager is built here so
// its events land on this service
func NewService(sig *signaling.Service, mediaProvider transport.MediaProvider, transportCfg transport.Config, opts Options) (*Service, error) {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = constants.SignalSettleDelay
	}
	if opts.LossGrace == 0 {
		opts.LossGrace = constants.ConnectionLossGracePeriod
	}

	s := &Service{
		signaling:  sig,
		media:      mediaProvider,
		opts:       opts,
		state:      CallState{Phase: PhaseIdle},
		stateSubs:  make(map[int]func(CallState)),
		streamSubs: make(map[int]func(string, *transport.RemoteStream)),
		seenCalls:  make(map[string]bool),
	}

	manager, err := transport.NewManager(sig.LocalUserID(), transportCfg, transport.Events{
		OnLocalCandidate:      s.handleLocalCandidate,
		OnRenegotiationNeeded: s.handleRenegotiationNeeded,
		OnStateChange:         s.handleTransportState,
		OnRemoteStream:        s.handleRemoteStream,
		OnGiveUp:              s.handleTransportGiveUp,
	})
	if err != nil {
		return nil, err
	}
	s.transport = manager
	return s, nil
}

// Start begins listening for incoming calls addressed to the local user
func (s *Service) Start(ctx context.Context) error {
	cancel, err := s.signaling.SubscribeToIncomingCalls(ctx, s.handleIncomingCall)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.incomingCancel = cancel
	s.mu.Unlock()
	logger.Info("Call service started",
		zap.String("local_user_id", s.signaling.LocalUserID()))
	return nil
}

// Stop tears down the current call, if any, and the incoming subscription
func (s *Service) Stop(ctx context.Context) {
	s.EndCall(ctx)
	s.mu.Lock()
	cancel := s.incomingCancel
	s.incomingCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetCallState returns the current state snapshot
func (s *Service) GetCallState() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnCallStateChange registers a state listener. The current state is
// replayed immediately so late subscribers do not miss it. The returned
// function unsubscribes.
func (s *Service) OnCallStateChange(fn func(CallState)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.stateSubs[id] = fn
	state := s.state
	s.mu.Unlock()

	fn(state)
	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

// OnRemoteStreamChange registers a remote stream listener with replay of the
// last composition. A nil stream means the remote user's media went away.
func (s *Service) OnRemoteStreamChange(fn func(remoteUserID string, stream *transport.RemoteStream)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.streamSubs[id] = fn
	lastUser, last := s.lastStreamUser, s.lastStream
	s.mu.Unlock()

	if lastUser != "" {
		fn(lastUser, last)
	}
	return func() {
		s.mu.Lock()
		delete(s.streamSubs, id)
		s.mu.Unlock()
	}
}

// StartCall places an outbound call. The service must be idle.
func (s *Service) StartCall(ctx context.Context, recipientID string, callType domain.CallType) (*domain.CallInvitation, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}
	s.mu.Unlock()

	media, err := s.media.Acquire(ctx, constraintsFor(callType))
	if err != nil {
		return nil, err
	}
	s.transport.SetLocalMedia(media)

	invitation, err := s.signaling.CreateCall(ctx, recipientID, callType)
	if err != nil {
		media.Stop()
		s.transport.SetLocalMedia(nil)
		return nil, err
	}

	call := &activeCall{
		callID:       invitation.CallID,
		remoteUserID: recipientID,
		callType:     callType,
		outbound:     true,
		startedAt:    time.Now(),
		media:        media,
	}
	if err := s.attachCallSubscriptions(ctx, call); err != nil {
		media.Stop()
		s.transport.SetLocalMedia(nil)
		return nil, err
	}

	s.mu.Lock()
	s.current = call
	s.mu.Unlock()
	s.reportGauges()
	s.setState(CallState{
		Phase:        PhaseOriginating,
		CallID:       invitation.CallID,
		RemoteUserID: recipientID,
		Type:         callType,
	})
	return invitation, nil
}

// AcceptCall answers the currently ringing inbound call
func (s *Service) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || s.GetCallState().Phase != PhaseRinging {
		return apperrors.InvalidStateError("no ringing call to accept")
	}

	media, err := s.media.Acquire(ctx, constraintsFor(call.callType))
	if err != nil {
		return err
	}
	s.transport.SetLocalMedia(media)

	if _, err := s.signaling.AcceptCall(ctx, call.callID); err != nil {
		media.Stop()
		s.transport.SetLocalMedia(nil)
		return err
	}

	s.mu.Lock()
	call.media = media
	s.mu.Unlock()
	s.setState(CallState{
		Phase:        PhaseConnecting,
		CallID:       call.callID,
		RemoteUserID: call.remoteUserID,
		Type:         call.callType,
	})
	return nil
}

// RejectCall declines the currently ringing inbound call
func (s *Service) RejectCall(ctx context.Context) error {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || s.GetCallState().Phase != PhaseRinging {
		return apperrors.InvalidStateError("no ringing call to reject")
	}

	if err := s.signaling.RejectCall(ctx, call.callID); err != nil {
		return err
	}
	s.teardown("rejected")
	return nil
}

// EndCall hangs up the current call. Idempotent: with no call in progress
// it does nothing.
func (s *Service) EndCall(ctx context.Context) {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil {
		return
	}

	// Hangup first so the remote side stops quickly even if the status
	// update lags.
	if err := s.signaling.SendHangup(ctx, call.callID, call.remoteUserID); err != nil {
		logger.Warn("Hangup signal failed",
			zap.String("call_id", call.callID),
			zap.Error(err))
	}
	if err := s.signaling.EndCall(ctx, call.callID); err != nil {
		// The remote side may have ended it first; that is not a failure.
		logger.Debug("Call status update on hangup",
			zap.String("call_id", call.callID),
			zap.Error(err))
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCallDuration(string(call.callType), time.Since(call.startedAt))
	}
	s.teardown("hangup")
}

// ToggleAudio enables or disables the microphone track; reports whether an
// audio track exists
func (s *Service) ToggleAudio(enabled bool) bool {
	return s.toggle(transport.MediaKindAudio, enabled)
}

// ToggleVideo enables or disables the camera track; reports whether a video
// track exists
func (s *Service) ToggleVideo(enabled bool) bool {
	return s.toggle(transport.MediaKindVideo, enabled)
}

func (s *Service) toggle(kind transport.MediaKind, enabled bool) bool {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || call.media == nil {
		return false
	}
	return call.media.SetEnabled(kind, enabled)
}

// handleIncomingCall runs on relay delivery of ringing invitations
func (s *Service) handleIncomingCall(invitation *domain.CallInvitation) {
	s.mu.Lock()
	if s.seenCalls[invitation.CallID] {
		s.mu.Unlock()
		return // relay redelivery
	}
	s.seenCalls[invitation.CallID] = true
	busy := s.current != nil
	s.mu.Unlock()

	if busy {
		logger.Info("Ignoring incoming call while busy",
			zap.String("call_id", invitation.CallID))
		return
	}

	call := &activeCall{
		callID:       invitation.CallID,
		remoteUserID: invitation.CallerID,
		callType:     invitation.Type,
		startedAt:    time.Now(),
	}
	ctx := context.Background()
	if err := s.attachCallSubscriptions(ctx, call); err != nil {
		logger.Error("Failed to subscribe to call signals",
			zap.String("call_id", invitation.CallID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.current = call
	s.mu.Unlock()
	s.reportGauges()
	s.setState(CallState{
		Phase:        PhaseRinging,
		CallID:       invitation.CallID,
		RemoteUserID: invitation.CallerID,
		Type:         invitation.Type,
	})
}

// attachCallSubscriptions wires the per-call relay subscriptions: the signal
// feed and, for outbound calls, the status watchers that drive offer
// creation and rejection handling
func (s *Service) attachCallSubscriptions(ctx context.Context, call *activeCall) error {
	signalsCancel, err := s.signaling.SubscribeToCallSignals(ctx, call.callID, func(signal *domain.CallSignal) {
		s.handleSignal(call, signal)
	})
	if err != nil {
		return err
	}
	call.cancels = append(call.cancels, signalsCancel)

	if !call.outbound {
		return nil
	}

	acceptedCancel, err := s.signaling.SubscribeToCallStatus(ctx, call.callID, domain.CallStatusAccepted, func(*domain.CallInvitation) {
		s.handleCallAccepted(call)
	})
	if err != nil {
		return err
	}
	call.cancels = append(call.cancels, acceptedCancel)

	rejectedCancel, err := s.signaling.SubscribeToCallStatus(ctx, call.callID, domain.CallStatusRejected, func(*domain.CallInvitation) {
		logger.Info("Call rejected by recipient", zap.String("call_id", call.callID))
		s.teardown("rejected")
	})
	if err != nil {
		return err
	}
	call.cancels = append(call.cancels, rejectedCancel)
	return nil
}

// handleCallAccepted drives the caller side once the recipient accepts:
// short settle pause, then the initial offer
func (s *Service) handleCallAccepted(call *activeCall) {
	if !s.isCurrent(call.callID) {
		return
	}
	s.setState(CallState{
		Phase:        PhaseConnecting,
		CallID:       call.callID,
		RemoteUserID: call.remoteUserID,
		Type:         call.callType,
	})

	time.AfterFunc(s.opts.SettleDelay, func() {
		if !s.isCurrent(call.callID) {
			return
		}
		s.sendOffer(call, false)
	})
}

func (s *Service) sendOffer(call *activeCall, iceRestart bool) {
	offer, err := s.transport.CreateOffer(call.remoteUserID, iceRestart)
	if err != nil {
		logger.Error("Creating offer failed",
			zap.String("call_id", call.callID),
			zap.Bool("ice_restart", iceRestart),
			zap.Error(err))
		return
	}
	if err := s.signaling.SendOffer(context.Background(), call.callID, call.remoteUserID, offer.SDP); err != nil {
		logger.Error("Sending offer failed",
			zap.String("call_id", call.callID),
			zap.Error(err))
	}
}

// handleSignal dispatches decrypted signaling messages for the current call
func (s *Service) handleSignal(call *activeCall, signal *domain.CallSignal) {
	if !s.isCurrent(call.callID) {
		return
	}
	if signal.Encrypted {
		// The signaling layer could not resolve a session key; the SDP or
		// candidate payload is still ciphertext and cannot be applied.
		logger.Warn("Ignoring sealed signal without a session key",
			zap.String("call_id", call.callID),
			zap.String("type", string(signal.Type)))
		return
	}
	ctx := context.Background()

	switch signal.Type {
	case domain.SignalTypeOffer:
		answer, err := s.transport.HandleRemoteOffer(call.remoteUserID, webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  signal.Data,
		})
		if err != nil {
			logger.Error("Handling remote offer failed",
				zap.String("call_id", call.callID),
				zap.Error(err))
			return
		}
		if err := s.signaling.SendAnswer(ctx, call.callID, call.remoteUserID, answer.SDP); err != nil {
			logger.Error("Sending answer failed",
				zap.String("call_id", call.callID),
				zap.Error(err))
		}

	case domain.SignalTypeAnswer:
		if err := s.transport.HandleRemoteAnswer(call.remoteUserID, webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  signal.Data,
		}); err != nil {
			logger.Error("Handling remote answer failed",
				zap.String("call_id", call.callID),
				zap.Error(err))
		}

	case domain.SignalTypeICE:
		if err := s.transport.AddICECandidate(call.remoteUserID, webrtc.ICECandidateInit{
			Candidate: signal.Data,
		}); err != nil {
			logger.Warn("Applying remote candidate failed",
				zap.String("call_id", call.callID),
				zap.Error(err))
		}

	case domain.SignalTypeHangup:
		logger.Info("Remote hangup received", zap.String("call_id", call.callID))
		s.teardown("remote-hangup")

	default:
		logger.Warn("Unknown signal type",
			zap.String("call_id", call.callID),
			zap.String("type", string(signal.Type)))
	}
}

// Transport event handlers

func (s *Service) handleLocalCandidate(remoteUserID string, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || call.remoteUserID != remoteUserID {
		return
	}
	if err := s.signaling.SendIceCandidate(context.Background(), call.callID, remoteUserID, candidate.Candidate); err != nil {
		logger.Warn("Sending local candidate failed",
			zap.String("call_id", call.callID),
			zap.Error(err))
	}
}

func (s *Service) handleRenegotiationNeeded(remoteUserID string, iceRestart bool) {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || call.remoteUserID != remoteUserID {
		return
	}
	if s.opts.Metrics != nil && iceRestart {
		s.opts.Metrics.RecordReconnectAttempt(remoteUserID)
	}
	s.sendOffer(call, iceRestart)
}

func (s *Service) handleTransportState(remoteUserID string, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || call.remoteUserID != remoteUserID {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.stopLossTimer()
		s.setState(CallState{
			Phase:        PhaseActive,
			CallID:       call.callID,
			RemoteUserID: call.remoteUserID,
			Type:         call.callType,
		})
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		// Do not flap the surface on short outages; only report
		// reconnecting once the grace period expires.
		s.startLossTimer(call)
	}
	s.reportGauges()
}

func (s *Service) handleTransportGiveUp(remoteUserID string) {
	s.mu.Lock()
	call := s.current
	s.mu.Unlock()
	if call == nil || call.remoteUserID != remoteUserID {
		return
	}
	logger.Error("Transport unrecoverable, ending call",
		zap.String("call_id", call.callID),
		zap.Error(apperrors.TransportFailureError(remoteUserID)))
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCallFailure(string(call.callType), "transport")
	}
	ctx := context.Background()
	if err := s.signaling.EndCall(ctx, call.callID); err != nil {
		logger.Debug("Call status update on transport failure",
			zap.String("call_id", call.callID),
			zap.Error(err))
	}
	s.teardown("transport-failure")
}

func (s *Service) handleRemoteStream(remoteUserID string, stream *transport.RemoteStream) {
	s.mu.Lock()
	s.lastStreamUser = remoteUserID
	s.lastStream = stream
	subs := make([]func(string, *transport.RemoteStream), 0, len(s.streamSubs))
	for _, fn := range s.streamSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(remoteUserID, stream)
	}
}

func (s *Service) startLossTimer(call *activeCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lossTimer != nil {
		return
	}
	s.lossTimer = time.AfterFunc(s.opts.LossGrace, func() {
		s.mu.Lock()
		s.lossTimer = nil
		current := s.current
		s.mu.Unlock()
		if current == nil || current.callID != call.callID {
			return
		}
		session := s.transport.Session(call.remoteUserID)
		if session != nil && session.ConnectionState() == webrtc.PeerConnectionStateConnected {
			return
		}
		s.setState(CallState{
			Phase:        PhaseReconnecting,
			CallID:       call.callID,
			RemoteUserID: call.remoteUserID,
			Type:         call.callType,
		})
	})
}

func (s *Service) stopLossTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lossTimer != nil {
		s.lossTimer.Stop()
		s.lossTimer = nil
	}
}

func (s *Service) isCurrent(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.callID == callID
}

// teardown releases every per-call resource and returns to idle. The ended
// phase is surfaced first so the UI can show the reason before the reset.
func (s *Service) teardown(reason string) {
	s.mu.Lock()
	call := s.current
	s.current = nil
	if call != nil {
		delete(s.seenCalls, call.callID)
	}
	s.mu.Unlock()
	if call == nil {
		return
	}

	s.stopLossTimer()
	call.cancelAll()
	s.transport.CloseAll()
	if call.media != nil {
		call.media.Stop()
	}
	// The session key must not outlive the call.
	s.signaling.DiscardSessionKey(call.callID)
	s.reportGauges()

	s.setState(CallState{
		Phase:        PhaseEnded,
		CallID:       call.callID,
		RemoteUserID: call.remoteUserID,
		Type:         call.callType,
		Reason:       reason,
	})
	s.setState(CallState{Phase: PhaseIdle})
	logger.Info("Call torn down",
		zap.String("call_id", call.callID),
		zap.String("reason", reason))
}

func (s *Service) reportGauges() {
	if s.opts.Metrics == nil {
		return
	}
	s.mu.Lock()
	active := 0
	if s.current != nil {
		active = 1
	}
	s.mu.Unlock()
	s.opts.Metrics.SetActiveCalls(active)
	s.opts.Metrics.SetActivePeerSessions(s.transport.SessionCount())
}

func (s *Service) setState(state CallState) {
	state.IsConnected = state.Phase == PhaseActive
	s.mu.Lock()
	s.state = state
	subs := make([]func(CallState), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

func constraintsFor(callType domain.CallType) transport.MediaConstraints {
	return transport.MediaConstraints{
		Audio: true,
		Video: callType == domain.CallTypeVideo,
	}
}
