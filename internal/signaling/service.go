package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peercall/internal/domain"
	"peercall/internal/keyexchange"
	"peercall/internal/relay"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
	"peercall/pkg/push"
)

// Identity is the local user on whose behalf the service signs signaling
// traffic. The display fields ride along on invitations so the remote side
// can render the caller without a directory lookup.
type Identity struct {
	UserID      string
	DisplayName string
	PhotoRef    string
}

// Notifier delivers out-of-band call notifications; push.Service implements
// it. Delivery is best effort and never fails a call operation.
type Notifier interface {
	SendIncomingCallNotification(ctx context.Context, data *push.CallNotificationData, recipientID string) error
	SendMissedCallNotification(ctx context.Context, data *push.CallNotificationData, recipientID string) error
}

// Service publishes and consumes call invitations and encrypted signaling
// messages through the relay store. The relay is untrusted: SDP payloads are
// sealed with a per-call session key before they leave the process.
type Service struct {
	store    relay.Store
	codec    *keyexchange.Codec
	identity Identity
	metrics  *metrics.Metrics
	notifier Notifier
}

// NewService creates a signaling service bound to the local identity.
// metrics and notifier may be nil.
func NewService(store relay.Store, identity Identity, codec *keyexchange.Codec, m *metrics.Metrics, notifier Notifier) *Service {
	return &Service{
		store:    store,
		codec:    codec,
		identity: identity,
		metrics:  m,
		notifier: notifier,
	}
}

// LocalUserID returns the identity the service signs traffic with
func (s *Service) LocalUserID() string { return s.identity.UserID }

// CreateCall publishes a ringing invitation to the recipient. A fresh key
// pair is generated per call; the public key travels on the invitation and
// the derived session key is cached for the call's signaling.
func (s *Service) CreateCall(ctx context.Context, recipientID string, callType domain.CallType) (*domain.CallInvitation, error) {
	if recipientID == "" {
		return nil, apperrors.MissingFieldError("recipientId")
	}
	if recipientID == s.identity.UserID {
		return nil, apperrors.InvalidInputError("cannot call yourself")
	}
	if !callType.Valid() {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("unknown call type %q", callType))
	}

	keyPair, err := keyexchange.GenerateKeyPair()
	if err != nil {
		return nil, apperrors.InternalError("generating call key pair", err)
	}
	sessionKey, err := keyPair.SessionKey()
	if err != nil {
		return nil, apperrors.InternalError("deriving call session key", err)
	}

	now := time.Now()
	invitation := &domain.CallInvitation{
		CallID:         fmt.Sprintf("call_%s_%s_%d", s.identity.UserID, recipientID, now.UnixMilli()),
		CallerID:       s.identity.UserID,
		CallerName:     s.identity.DisplayName,
		CallerPhotoRef: s.identity.PhotoRef,
		RecipientID:    recipientID,
		Type:           callType,
		Status:         domain.CallStatusRinging,
		EncryptionKey:  keyPair.PublicKey(),
		Timestamp:      now,
	}

	s.codec.CacheKey(invitation.CallID, sessionKey)
	s.reportKeyCache()

	if err := s.store.Put(ctx, relay.CollectionCalls, invitation.CallID, invitation); err != nil {
		s.codec.ClearCachedKey(invitation.CallID)
		s.reportKeyCache()
		return nil, apperrors.SignalingTransportError("create call", err)
	}

	logger.Info("Call created",
		zap.String("call_id", invitation.CallID),
		zap.String("recipient_id", recipientID),
		zap.String("type", string(callType)))
	if s.metrics != nil {
		s.metrics.RecordCall(string(callType), string(domain.CallStatusRinging))
	}

	if s.notifier != nil {
		if err := s.notifier.SendIncomingCallNotification(ctx, &push.CallNotificationData{
			CallID:     invitation.CallID,
			CallerID:   invitation.CallerID,
			CallerName: invitation.CallerName,
			CallType:   string(invitation.Type),
			Timestamp:  now.UnixMilli(),
		}, recipientID); err != nil {
			logger.Warn("Incoming call notification failed",
				zap.String("call_id", invitation.CallID),
				zap.Error(err))
		}
	}

	return invitation, nil
}

// GetCall fetches the current invitation record
func (s *Service) GetCall(ctx context.Context, callID string) (*domain.CallInvitation, error) {
	var invitation domain.CallInvitation
	if err := s.store.Get(ctx, relay.CollectionCalls, callID, &invitation); err != nil {
		if err == relay.ErrNotFound {
			return nil, apperrors.CallNotFoundError(callID)
		}
		return nil, apperrors.SignalingTransportError("get call", err)
	}
	return &invitation, nil
}

// AcceptCall transitions a ringing call to accepted. Only the recipient may
// accept. The caller's published key is imported so the answer can be
// encrypted.
func (s *Service) AcceptCall(ctx context.Context, callID string) (*domain.CallInvitation, error) {
	invitation, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if invitation.RecipientID != s.identity.UserID {
		return nil, apperrors.AuthorizationError("only the recipient can accept a call")
	}
	if !invitation.Status.CanTransition(domain.CallStatusAccepted) {
		return nil, apperrors.InvalidStateError(
			fmt.Sprintf("cannot accept call in status %q", invitation.Status))
	}

	if invitation.EncryptionKey == "" {
		return nil, apperrors.EncryptionKeyMissingError(callID)
	}
	sessionKey, err := keyexchange.ImportKey(invitation.EncryptionKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeEncryptionKeyMissing,
			"invitation carries an unusable encryption key", err)
	}
	s.codec.CacheKey(callID, sessionKey)
	s.reportKeyCache()

	invitation.Status = domain.CallStatusAccepted
	if err := s.store.Put(ctx, relay.CollectionCalls, callID, invitation); err != nil {
		return nil, apperrors.SignalingTransportError("accept call", err)
	}

	logger.Info("Call accepted", zap.String("call_id", callID))
	if s.metrics != nil {
		s.metrics.RecordCall(string(invitation.Type), string(domain.CallStatusAccepted))
	}
	return invitation, nil
}

// RejectCall transitions a ringing call to rejected. Recipient only.
func (s *Service) RejectCall(ctx context.Context, callID string) error {
	invitation, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if invitation.RecipientID != s.identity.UserID {
		return apperrors.AuthorizationError("only the recipient can reject a call")
	}
	if !invitation.Status.CanTransition(domain.CallStatusRejected) {
		return apperrors.InvalidStateError(
			fmt.Sprintf("cannot reject call in status %q", invitation.Status))
	}

	invitation.Status = domain.CallStatusRejected
	now := time.Now()
	invitation.EndedAt = &now
	if err := s.store.Put(ctx, relay.CollectionCalls, callID, invitation); err != nil {
		return apperrors.SignalingTransportError("reject call", err)
	}

	s.codec.ClearCachedKey(callID)
	s.reportKeyCache()
	logger.Info("Call rejected", zap.String("call_id", callID))
	if s.metrics != nil {
		s.metrics.RecordCall(string(invitation.Type), string(domain.CallStatusRejected))
	}
	return nil
}

// EndCall terminates a call. Either participant may end it. Ending a call
// that is still ringing records it as missed; an accepted call becomes
// ended. Both set endedAt.
func (s *Service) EndCall(ctx context.Context, callID string) error {
	invitation, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if invitation.CallerID != s.identity.UserID && invitation.RecipientID != s.identity.UserID {
		return apperrors.AuthorizationError("only call participants can end a call")
	}

	target := domain.CallStatusEnded
	if invitation.Status == domain.CallStatusRinging {
		target = domain.CallStatusMissed
	}
	if !invitation.Status.CanTransition(target) {
		return apperrors.InvalidStateError(
			fmt.Sprintf("cannot end call in status %q", invitation.Status))
	}

	invitation.Status = target
	now := time.Now()
	invitation.EndedAt = &now
	if err := s.store.Put(ctx, relay.CollectionCalls, callID, invitation); err != nil {
		return apperrors.SignalingTransportError("end call", err)
	}

	s.codec.ClearCachedKey(callID)
	s.reportKeyCache()
	logger.Info("Call ended",
		zap.String("call_id", callID),
		zap.String("status", string(target)))
	if s.metrics != nil {
		s.metrics.RecordCall(string(invitation.Type), string(target))
	}

	if target == domain.CallStatusMissed && s.notifier != nil &&
		invitation.CallerID == s.identity.UserID {
		if err := s.notifier.SendMissedCallNotification(ctx, &push.CallNotificationData{
			CallID:     invitation.CallID,
			CallerID:   invitation.CallerID,
			CallerName: invitation.CallerName,
			CallType:   string(invitation.Type),
			Timestamp:  now.UnixMilli(),
		}, invitation.RecipientID); err != nil {
			logger.Warn("Missed call notification failed",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	return nil
}

// DiscardSessionKey destroys the cached session key for a call. The status
// transitions clear keys on their own paths; this covers teardowns that
// never issue one, like the receiving side of a hangup. Safe to call when
// no key is cached.
func (s *Service) DiscardSessionKey(callID string) {
	s.codec.ClearCachedKey(callID)
	s.reportKeyCache()
}

// SubscribeToIncomingCalls watches for ringing invitations addressed to the
// local user. Malformed records are skipped; the relay may replay records,
// so callers must tolerate duplicates.
func (s *Service) SubscribeToIncomingCalls(ctx context.Context, onCall func(*domain.CallInvitation)) (func(), error) {
	filter := relay.Filter{
		"recipientId": s.identity.UserID,
		"status":      string(domain.CallStatusRinging),
	}
	cancel, err := s.store.Subscribe(ctx, relay.CollectionCalls, filter, func(id string, raw json.RawMessage) {
		var invitation domain.CallInvitation
		if err := json.Unmarshal(raw, &invitation); err != nil {
			logger.Warn("Skipping malformed call invitation",
				zap.String("doc_id", id),
				zap.Error(err))
			return
		}
		onCall(&invitation)
	})
	if err != nil {
		return nil, apperrors.SignalingTransportError("subscribe incoming calls", err)
	}
	return cancel, nil
}

// SubscribeToCallStatus watches one call for a specific status. Relay
// backends report a record entering a filtered query as an add, so a status
// change surfaces here even though the record is an overwrite.
func (s *Service) SubscribeToCallStatus(ctx context.Context, callID string, status domain.CallStatus, onMatch func(*domain.CallInvitation)) (func(), error) {
	filter := relay.Filter{
		"callId": callID,
		"status": string(status),
	}
	cancel, err := s.store.Subscribe(ctx, relay.CollectionCalls, filter, func(id string, raw json.RawMessage) {
		var invitation domain.CallInvitation
		if err := json.Unmarshal(raw, &invitation); err != nil {
			logger.Warn("Skipping malformed call record",
				zap.String("doc_id", id),
				zap.Error(err))
			return
		}
		onMatch(&invitation)
	})
	if err != nil {
		return nil, apperrors.SignalingTransportError("subscribe call status", err)
	}
	return cancel, nil
}

// SendOffer publishes an encrypted SDP offer. Fails closed: no cached
// session key means no offer leaves the process.
func (s *Service) SendOffer(ctx context.Context, callID, recipientID, sdp string) error {
	return s.sendSealed(ctx, callID, recipientID, domain.SignalTypeOffer, sdp)
}

// SendAnswer publishes an encrypted SDP answer. Fails closed like SendOffer.
func (s *Service) SendAnswer(ctx context.Context, callID, recipientID, sdp string) error {
	return s.sendSealed(ctx, callID, recipientID, domain.SignalTypeAnswer, sdp)
}

func (s *Service) sendSealed(ctx context.Context, callID, recipientID string, signalType domain.SignalType, payload string) error {
	key, ok := s.codec.CachedKey(callID)
	if !ok {
		return apperrors.EncryptionKeyMissingError(callID)
	}
	sealed, err := key.Encrypt([]byte(payload))
	if err != nil {
		return apperrors.InternalError("sealing signal payload", err)
	}
	return s.publishSignal(ctx, callID, recipientID, signalType, sealed, true)
}

// SendIceCandidate publishes an ICE candidate. Candidates are encrypted when
// a session key is cached; without one the candidate goes out in plaintext
// rather than stalling connectivity, and the downgrade is logged and
// counted.
func (s *Service) SendIceCandidate(ctx context.Context, callID, recipientID, candidate string) error {
	if key, ok := s.codec.CachedKey(callID); ok {
		sealed, err := key.Encrypt([]byte(candidate))
		if err != nil {
			return apperrors.InternalError("sealing ICE candidate", err)
		}
		return s.publishSignal(ctx, callID, recipientID, domain.SignalTypeICE, sealed, true)
	}

	logger.Warn("Sending ICE candidate without encryption",
		zap.String("call_id", callID))
	if s.metrics != nil {
		s.metrics.RecordPlaintextCandidate()
	}
	return s.publishSignal(ctx, callID, recipientID, domain.SignalTypeICE, candidate, false)
}

// SendHangup tells the remote side the call is over. The payload carries no
// secrets, so a missing key does not block it.
func (s *Service) SendHangup(ctx context.Context, callID, recipientID string) error {
	if key, ok := s.codec.CachedKey(callID); ok {
		sealed, err := key.Encrypt([]byte("hangup"))
		if err == nil {
			return s.publishSignal(ctx, callID, recipientID, domain.SignalTypeHangup, sealed, true)
		}
	}
	return s.publishSignal(ctx, callID, recipientID, domain.SignalTypeHangup, "hangup", false)
}

func (s *Service) publishSignal(ctx context.Context, callID, recipientID string, signalType domain.SignalType, data string, encrypted bool) error {
	signal := &domain.CallSignal{
		CallID:      callID,
		SenderID:    s.identity.UserID,
		RecipientID: recipientID,
		Type:        signalType,
		Data:        data,
		Encrypted:   encrypted,
		Timestamp:   time.Now(),
	}
	signalID := fmt.Sprintf("%s_%s_%d", callID, signalType, time.Now().UnixNano())
	if err := s.store.Put(ctx, relay.CollectionSignals, signalID, signal); err != nil {
		return apperrors.SignalingTransportError(fmt.Sprintf("send %s", signalType), err)
	}
	logger.Debug("Signal published",
		zap.String("call_id", callID),
		zap.String("type", string(signalType)),
		zap.Bool("encrypted", encrypted))
	if s.metrics != nil {
		s.metrics.RecordSignalSent(string(signalType))
	}
	return nil
}

// SubscribeToCallSignals watches for signals addressed to the local user on
// one call. Payloads are decrypted before delivery; each signal is deleted
// from the relay after processing so replays on resubscribe are bounded.
// Encrypted offers and answers that cannot be decrypted are dropped;
// candidates flagged unencrypted pass through as-is.
func (s *Service) SubscribeToCallSignals(ctx context.Context, callID string, onSignal func(*domain.CallSignal)) (func(), error) {
	filter := relay.Filter{
		"callId":      callID,
		"recipientId": s.identity.UserID,
	}
	cancel, err := s.store.Subscribe(ctx, relay.CollectionSignals, filter, func(id string, raw json.RawMessage) {
		defer func() {
			if err := s.store.Delete(ctx, relay.CollectionSignals, id); err != nil {
				logger.Warn("Failed to delete consumed signal",
					zap.String("signal_id", id),
					zap.Error(err))
			}
		}()

		var signal domain.CallSignal
		if err := json.Unmarshal(raw, &signal); err != nil {
			logger.Warn("Skipping malformed signal",
				zap.String("signal_id", id),
				zap.Error(err))
			return
		}
		if signal.SenderID == s.identity.UserID {
			return // echo of our own publish
		}

		if signal.Encrypted {
			key, ok := s.ensureKey(ctx, callID)
			if !ok {
				// No session key yet. Forward the signal still sealed so the
				// consumer can retry once the key lands.
				logger.Warn("Forwarding signal without a session key",
					zap.String("call_id", callID),
					zap.String("type", string(signal.Type)))
				onSignal(&signal)
				return
			}
			plaintext, err := key.Decrypt(signal.Data)
			if err != nil {
				logger.Error("Dropping undecryptable signal",
					zap.String("call_id", callID),
					zap.String("type", string(signal.Type)),
					zap.Error(apperrors.Wrap(apperrors.ErrCodeDecryptionFailed,
						"signal payload failed to decrypt", err)))
				return
			}
			signal.Data = string(plaintext)
			signal.Encrypted = false
		}

		if s.metrics != nil {
			s.metrics.RecordSignalConsumed(string(signal.Type))
		}
		onSignal(&signal)
	})
	if err != nil {
		return nil, apperrors.SignalingTransportError("subscribe call signals", err)
	}
	return cancel, nil
}

// ensureKey returns the cached session key, importing it from the call
// record when the cache is cold, e.g. after consuming a signal before the
// invitation handler ran.
func (s *Service) ensureKey(ctx context.Context, callID string) (*keyexchange.SessionKey, bool) {
	if key, ok := s.codec.CachedKey(callID); ok {
		return key, true
	}
	invitation, err := s.GetCall(ctx, callID)
	if err != nil || invitation.EncryptionKey == "" {
		return nil, false
	}
	key, err := keyexchange.ImportKey(invitation.EncryptionKey)
	if err != nil {
		return nil, false
	}
	s.codec.CacheKey(callID, key)
	s.reportKeyCache()
	return key, true
}

func (s *Service) reportKeyCache() {
	if s.metrics != nil {
		s.metrics.SetSessionKeysCached(s.codec.Size())
	}
}
