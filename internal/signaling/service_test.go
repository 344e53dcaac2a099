package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"peercall/internal/domain"
	"peercall/internal/keyexchange"
	"peercall/internal/relay"
	apperrors "peercall/pkg/errors"
)

func newTestService(store relay.Store, userID string) *Service {
	return NewService(store, Identity{UserID: userID, DisplayName: "User " + userID}, keyexchange.NewCodec(), nil, nil)
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestCreateCallPublishesRingingInvitation(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")

	invitation, err := caller.CreateCall(context.Background(), "user_b", domain.CallTypeVideo)

	assert.NoError(t, err)
	assert.Equal(t, "user_a", invitation.CallerID)
	assert.Equal(t, "user_b", invitation.RecipientID)
	assert.Equal(t, domain.CallStatusRinging, invitation.Status)
	assert.NotEmpty(t, invitation.EncryptionKey)
	assert.Contains(t, invitation.CallID, "call_user_a_user_b_")

	stored, err := caller.GetCall(context.Background(), invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, invitation.CallID, stored.CallID)
}

func TestCreateCallValidation(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	ctx := context.Background()

	_, err := caller.CreateCall(ctx, "", domain.CallTypeAudio)
	assert.Error(t, err)

	_, err = caller.CreateCall(ctx, "user_a", domain.CallTypeAudio)
	assert.Error(t, err)

	_, err = caller.CreateCall(ctx, "user_b", domain.CallType("screen"))
	assert.Error(t, err)
}

func TestAcceptCallRecipientOnly(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	stranger := newTestService(store, "user_c")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	_, err = stranger.AcceptCall(ctx, invitation.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthorization))

	_, err = caller.AcceptCall(ctx, invitation.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthorization))

	accepted, err := recipient.AcceptCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, accepted.Status)
}

func TestAcceptCallRejectedAfterTerminalStatus(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.NoError(t, recipient.RejectCall(ctx, invitation.CallID))

	_, err = recipient.AcceptCall(ctx, invitation.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestEndCallWhileRingingRecordsMissed(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeVideo)
	assert.NoError(t, err)
	assert.NoError(t, caller.EndCall(ctx, invitation.CallID))

	stored, err := caller.GetCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, stored.Status)
	assert.NotNil(t, stored.EndedAt)
}

func TestEndCallAfterAcceptRecordsEnded(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = recipient.AcceptCall(ctx, invitation.CallID)
	assert.NoError(t, err)

	assert.NoError(t, recipient.EndCall(ctx, invitation.CallID))

	stored, err := caller.GetCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)

	// Terminal: ending again is an invalid transition.
	err = caller.EndCall(ctx, invitation.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestEndCallParticipantsOnly(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	stranger := newTestService(store, "user_c")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	err = stranger.EndCall(ctx, invitation.CallID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthorization))
}

func TestGetCallNotFound(t *testing.T) {
	store := relay.NewMemoryStore()
	service := newTestService(store, "user_a")

	_, err := service.GetCall(context.Background(), "call_missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestSubscribeToIncomingCallsFiltersRecipient(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	received := make(chan *domain.CallInvitation, 4)
	cancel, err := recipient.SubscribeToIncomingCalls(ctx, func(inv *domain.CallInvitation) {
		received <- inv
	})
	assert.NoError(t, err)
	defer cancel()

	_, err = caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	_, err = caller.CreateCall(ctx, "user_c", domain.CallTypeAudio)
	assert.NoError(t, err)

	select {
	case inv := <-received:
		assert.Equal(t, "user_b", inv.RecipientID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected incoming call delivery")
	}
	select {
	case inv := <-received:
		t.Fatalf("unexpected invitation for %s", inv.RecipientID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendOfferFailsClosedWithoutKey(t *testing.T) {
	store := relay.NewMemoryStore()
	service := newTestService(store, "user_a")

	err := service.SendOffer(context.Background(), "call_unknown", "user_b", "v=0")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeEncryptionKeyMissing))

	err = service.SendAnswer(context.Background(), "call_unknown", "user_b", "v=0")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeEncryptionKeyMissing))
}

func TestOfferRoundTripIsEncryptedOnTheRelay(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeVideo)
	assert.NoError(t, err)
	_, err = recipient.AcceptCall(ctx, invitation.CallID)
	assert.NoError(t, err)

	const offerSDP = "v=0 offer-from-a"
	assert.NoError(t, caller.SendOffer(ctx, invitation.CallID, "user_b", offerSDP))

	// The relay copy must not contain the SDP in the clear.
	sawCiphertext := make(chan struct{})
	rawCancel, err := store.Subscribe(ctx, relay.CollectionSignals, relay.Filter{"callId": invitation.CallID}, func(id string, raw json.RawMessage) {
		var signal domain.CallSignal
		assert.NoError(t, json.Unmarshal(raw, &signal))
		assert.True(t, signal.Encrypted)
		assert.NotContains(t, signal.Data, "offer-from-a")
		close(sawCiphertext)
	})
	assert.NoError(t, err)
	defer rawCancel()
	waitFor(t, sawCiphertext, "expected sealed signal on the relay")

	decrypted := make(chan *domain.CallSignal, 1)
	cancel, err := recipient.SubscribeToCallSignals(ctx, invitation.CallID, func(signal *domain.CallSignal) {
		decrypted <- signal
	})
	assert.NoError(t, err)
	defer cancel()

	select {
	case signal := <-decrypted:
		assert.Equal(t, domain.SignalTypeOffer, signal.Type)
		assert.Equal(t, offerSDP, signal.Data)
		assert.False(t, signal.Encrypted)
	case <-time.After(2 * time.Second):
		t.Fatal("expected decrypted offer delivery")
	}
}

func TestIceCandidateFallsBackToPlaintextWithoutKey(t *testing.T) {
	store := relay.NewMemoryStore()
	service := newTestService(store, "user_a")
	ctx := context.Background()

	err := service.SendIceCandidate(ctx, "call_x", "user_b", "candidate:1")
	assert.NoError(t, err)

	delivered := make(chan *domain.CallSignal, 1)
	peer := newTestService(store, "user_b")
	cancel, err := peer.SubscribeToCallSignals(ctx, "call_x", func(signal *domain.CallSignal) {
		delivered <- signal
	})
	assert.NoError(t, err)
	defer cancel()

	select {
	case signal := <-delivered:
		assert.Equal(t, domain.SignalTypeICE, signal.Type)
		assert.Equal(t, "candidate:1", signal.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("expected plaintext candidate delivery")
	}
}

func TestSignalsDeletedAfterConsumption(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	_, err = recipient.AcceptCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.NoError(t, caller.SendOffer(ctx, invitation.CallID, "user_b", "v=0"))

	consumed := make(chan struct{})
	cancel, err := recipient.SubscribeToCallSignals(ctx, invitation.CallID, func(*domain.CallSignal) {
		close(consumed)
	})
	assert.NoError(t, err)
	defer cancel()
	waitFor(t, consumed, "expected signal consumption")

	// A later subscriber sees no replay of the consumed signal.
	assert.Eventually(t, func() bool {
		replayed := false
		done := make(chan struct{})
		c, err := store.Subscribe(ctx, relay.CollectionSignals, relay.Filter{"callId": invitation.CallID}, func(string, json.RawMessage) {
			replayed = true
		})
		assert.NoError(t, err)
		time.AfterFunc(50*time.Millisecond, func() { close(done) })
		<-done
		c()
		return !replayed
	}, 2*time.Second, 100*time.Millisecond)
}

func TestSubscriberSkipsOwnSignals(t *testing.T) {
	store := relay.NewMemoryStore()
	caller := newTestService(store, "user_a")
	ctx := context.Background()

	invitation, err := caller.CreateCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	// Caller listens on signals addressed to itself; hangup it sent to the
	// recipient must not loop back.
	received := make(chan *domain.CallSignal, 1)
	cancel, err := caller.SubscribeToCallSignals(ctx, invitation.CallID, func(signal *domain.CallSignal) {
		received <- signal
	})
	assert.NoError(t, err)
	defer cancel()

	assert.NoError(t, caller.SendHangup(ctx, invitation.CallID, "user_b"))

	select {
	case signal := <-received:
		t.Fatalf("unexpected echo of own signal %s", signal.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSignalWithoutKeyForwardedSealed(t *testing.T) {
	store := relay.NewMemoryStore()
	recipient := newTestService(store, "user_b")
	ctx := context.Background()

	received := make(chan *domain.CallSignal, 1)
	cancel, err := recipient.SubscribeToCallSignals(ctx, "call_orphan", func(signal *domain.CallSignal) {
		received <- signal
	})
	assert.NoError(t, err)
	defer cancel()

	// An encrypted signal for a call with no stored invitation: no session
	// key can be resolved, so the payload must arrive still sealed.
	sealed := &domain.CallSignal{
		CallID:      "call_orphan",
		SenderID:    "user_a",
		RecipientID: "user_b",
		Type:        domain.SignalTypeOffer,
		Data:        "ciphertext-blob",
		Encrypted:   true,
		Timestamp:   time.Now().UTC(),
	}
	assert.NoError(t, store.Put(ctx, relay.CollectionSignals, "call_orphan_offer_1", sealed))

	select {
	case signal := <-received:
		assert.True(t, signal.Encrypted)
		assert.Equal(t, "ciphertext-blob", signal.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("sealed signal was not forwarded")
	}
}
