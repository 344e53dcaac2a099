package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"peercall/internal/domain"
	"peercall/internal/keyexchange"
	"peercall/internal/relay"
	"peercall/internal/signaling"
	"peercall/internal/transport"
	apperrors "peercall/pkg/errors"
)

func newTestPeer(t *testing.T, store relay.Store, userID string) *Service {
	return newTestPeerWithCodec(t, store, userID, keyexchange.NewCodec())
}

func newTestPeerWithCodec(t *testing.T, store relay.Store, userID string, codec *keyexchange.Codec) *Service {
	t.Helper()
	sig := signaling.NewService(store, signaling.Identity{UserID: userID}, codec, nil, nil)
	svc, err := NewService(sig, transport.NewStaticMediaProvider(), transport.DefaultConfig(), Options{
		SettleDelay: 10 * time.Millisecond,
		LossGrace:   100 * time.Millisecond,
	})
	assert.NoError(t, err)
	assert.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
}

func phaseOf(s *Service) Phase {
	return s.GetCallState().Phase
}

func TestOutboundCallLifecycle(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	bob := newTestPeer(t, store, "user_b")
	ctx := context.Background()

	invitation, err := alice.StartCall(ctx, "user_b", domain.CallTypeVideo)
	assert.NoError(t, err)
	assert.Equal(t, PhaseOriginating, phaseOf(alice))

	// Bob's service picks the invitation up from the relay.
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, invitation.CallID, bob.GetCallState().CallID)
	assert.Equal(t, "user_a", bob.GetCallState().RemoteUserID)

	assert.NoError(t, bob.AcceptCall(ctx))

	// Acceptance drives the offer/answer exchange through the relay until
	// both sides return to a stable signaling state.
	assert.Eventually(t, func() bool {
		aliceSession := alice.transport.Session("user_b")
		bobSession := bob.transport.Session("user_a")
		if aliceSession == nil || bobSession == nil {
			return false
		}
		return phaseOf(alice) != PhaseOriginating && phaseOf(bob) != PhaseRinging
	}, 5*time.Second, 20*time.Millisecond)

	// Alice hangs up; Bob returns to idle via the hangup signal.
	alice.EndCall(ctx)
	assert.Equal(t, PhaseIdle, phaseOf(alice))
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseIdle
	}, 3*time.Second, 20*time.Millisecond)

	stored, err := bob.signaling.GetCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
}

func TestRejectedCallTearsDownCaller(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	bob := newTestPeer(t, store, "user_b")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)

	assert.NoError(t, bob.RejectCall(ctx))
	assert.Equal(t, PhaseIdle, phaseOf(bob))

	assert.Eventually(t, func() bool {
		return phaseOf(alice) == PhaseIdle
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartCallRefusedWhileBusy(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	_, err = alice.StartCall(ctx, "user_c", domain.CallTypeAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
}

func TestIncomingCallIgnoredWhileBusy(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	bob := newTestPeer(t, store, "user_b")
	carol := newTestPeer(t, store, "user_c")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)
	first := bob.GetCallState().CallID

	_, err = carol.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	// Bob stays on the first call.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, PhaseRinging, phaseOf(bob))
	assert.Equal(t, first, bob.GetCallState().CallID)
}

func TestAcceptRequiresRingingCall(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")

	err := alice.AcceptCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	err = alice.RejectCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestEndCallIsIdempotent(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	ctx := context.Background()

	alice.EndCall(ctx) // nothing in progress

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	alice.EndCall(ctx)
	alice.EndCall(ctx)
	assert.Equal(t, PhaseIdle, phaseOf(alice))
}

func TestEndWhileRingingRecordsMissed(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	ctx := context.Background()

	invitation, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	alice.EndCall(ctx)

	stored, err := alice.signaling.GetCall(ctx, invitation.CallID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, stored.Status)
}

func TestToggleWithoutCallReportsNoTrack(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")

	assert.False(t, alice.ToggleAudio(false))
	assert.False(t, alice.ToggleVideo(false))
}

func TestToggleDuringCall(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeVideo)
	assert.NoError(t, err)

	assert.True(t, alice.ToggleAudio(false))
	assert.True(t, alice.ToggleVideo(false))
	assert.True(t, alice.ToggleAudio(true))

	// Audio-only call has no camera track.
	alice.EndCall(ctx)
	_, err = alice.StartCall(ctx, "user_c", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.False(t, alice.ToggleVideo(false))
}

func TestStateSubscriptionReplaysCurrentState(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")

	states := make(chan CallState, 8)
	unsubscribe := alice.OnCallStateChange(func(state CallState) {
		states <- state
	})
	defer unsubscribe()

	select {
	case state := <-states:
		assert.Equal(t, PhaseIdle, state.Phase)
	case <-time.After(time.Second):
		t.Fatal("expected immediate replay of current state")
	}

	_, err := alice.StartCall(context.Background(), "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)

	select {
	case state := <-states:
		assert.Equal(t, PhaseOriginating, state.Phase)
		assert.Equal(t, "user_b", state.RemoteUserID)
	case <-time.After(time.Second):
		t.Fatal("expected originating state delivery")
	}
}

func TestSessionKeyDiscardedOnRemoteHangup(t *testing.T) {
	store := relay.NewMemoryStore()
	aliceCodec := keyexchange.NewCodec()
	bobCodec := keyexchange.NewCodec()
	alice := newTestPeerWithCodec(t, store, "user_a", aliceCodec)
	bob := newTestPeerWithCodec(t, store, "user_b", bobCodec)
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)

	assert.NoError(t, bob.AcceptCall(ctx))
	assert.Equal(t, 1, bobCodec.Size())

	// Alice hangs up; Bob never issues a status transition of his own, so
	// the teardown on the hangup signal must destroy his key.
	alice.EndCall(ctx)
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseIdle
	}, 3*time.Second, 20*time.Millisecond)

	assert.Zero(t, bobCodec.Size())
	assert.Zero(t, aliceCodec.Size())
}

func TestSessionKeyDiscardedWhenCallRejected(t *testing.T) {
	store := relay.NewMemoryStore()
	aliceCodec := keyexchange.NewCodec()
	alice := newTestPeerWithCodec(t, store, "user_a", aliceCodec)
	bob := newTestPeer(t, store, "user_b")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.Equal(t, 1, aliceCodec.Size())
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)

	// The caller side only observes the rejection through the status
	// watcher; its key goes away with the teardown.
	assert.NoError(t, bob.RejectCall(ctx))
	assert.Eventually(t, func() bool {
		return phaseOf(alice) == PhaseIdle
	}, 3*time.Second, 20*time.Millisecond)

	assert.Zero(t, aliceCodec.Size())
}

func TestSeenCallsPrunedOnTeardown(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	bob := newTestPeer(t, store, "user_b")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool {
		return phaseOf(bob) == PhaseRinging
	}, 3*time.Second, 20*time.Millisecond)

	assert.NoError(t, bob.RejectCall(ctx))
	assert.Equal(t, PhaseIdle, phaseOf(bob))

	bob.mu.Lock()
	remaining := len(bob.seenCalls)
	bob.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestCallStateReportsConnection(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")

	assert.False(t, alice.GetCallState().IsConnected)

	alice.setState(CallState{Phase: PhaseActive, CallID: "call_x"})
	assert.True(t, alice.GetCallState().IsConnected)

	alice.setState(CallState{Phase: PhaseIdle})
	assert.False(t, alice.GetCallState().IsConnected)
}

func TestHandleSignalRejectsStaleCall(t *testing.T) {
	store := relay.NewMemoryStore()
	alice := newTestPeer(t, store, "user_a")
	ctx := context.Background()

	_, err := alice.StartCall(ctx, "user_b", domain.CallTypeAudio)
	assert.NoError(t, err)
	stale := &activeCall{callID: "call_other", remoteUserID: "user_z"}

	// Signals for a call that is no longer current are dropped without
	// touching the transport.
	alice.handleSignal(stale, &domain.CallSignal{
		Type: domain.SignalTypeAnswer,
		Data: "v=0",
	})
	assert.Nil(t, alice.transport.Session("user_z"))
}
