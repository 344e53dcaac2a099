package transport

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func newTestSession(t *testing.T, events SessionEvents, maxAttempts int, grace time.Duration) *Session {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	assert.NoError(t, err)
	s := newSession("user_b", pc, events, maxAttempts, grace)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReconnectCounterResetsOnConnected(t *testing.T) {
	s := newTestSession(t, SessionEvents{}, 3, 10*time.Millisecond)

	s.handleStateChange(webrtc.PeerConnectionStateFailed)
	s.handleStateChange(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 2, s.ReconnectAttempts())

	s.handleStateChange(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestGiveUpAfterExhaustedReconnects(t *testing.T) {
	gaveUp := make(chan struct{}, 1)
	s := newTestSession(t, SessionEvents{
		OnGiveUp: func() { gaveUp <- struct{}{} },
	}, 2, 10*time.Millisecond)

	s.handleStateChange(webrtc.PeerConnectionStateFailed)
	s.handleStateChange(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 2, s.ReconnectAttempts())

	// Budget exhausted: the next failure must surrender instead of
	// scheduling another restart.
	s.handleStateChange(webrtc.PeerConnectionStateFailed)
	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("expected give-up after exhausting reconnection attempts")
	}
	assert.Equal(t, 2, s.ReconnectAttempts())
}

func TestDisconnectedArmsSingleGraceTimer(t *testing.T) {
	s := newTestSession(t, SessionEvents{}, 3, time.Minute)

	s.handleStateChange(webrtc.PeerConnectionStateDisconnected)
	s.handleStateChange(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, 1, s.ReconnectAttempts())

	s.handleStateChange(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestSeededSessionFailsStraightToGiveUp(t *testing.T) {
	gaveUp := make(chan struct{}, 1)
	s := newTestSession(t, SessionEvents{
		OnGiveUp: func() { gaveUp <- struct{}{} },
	}, 3, 10*time.Millisecond)

	// A replacement session starts with the budget its predecessor spent.
	s.seedReconnectAttempts(3)
	s.handleStateChange(webrtc.PeerConnectionStateFailed)

	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("expected seeded session to give up on first failure")
	}
}
