package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall/pkg/logger"
)

// RemoteTrack is an inbound media track from a remote user. A track starts
// muted and unmutes once media actually flows; it ends when the sender stops
// it or the connection drops.
type RemoteTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	Muted() bool
	OnUnmute(fn func())
	OnEnded(fn func())
}

// RemoteStream is the composed set of live tracks from one remote user
type RemoteStream struct {
	RemoteUserID string
	Tracks       []RemoteTrack
}

// Kinds lists the media kinds present in the stream, sorted for stable output
func (s *RemoteStream) Kinds() []string {
	kinds := make([]string, 0, len(s.Tracks))
	for _, track := range s.Tracks {
		kinds = append(kinds, string(track.Kind()))
	}
	sort.Strings(kinds)
	return kinds
}

// pionRemoteTrack adapts *webrtc.TrackRemote to RemoteTrack. Mute state is
// inferred from the RTP stream: the first successful read unmutes, a read
// error ends the track.
type pionRemoteTrack struct {
	track *webrtc.TrackRemote

	mu       sync.Mutex
	enabled  bool
	muted    bool
	ended    bool
	onUnmute []func()
	onEnded  []func()
}

func newPionRemoteTrack(track *webrtc.TrackRemote) *pionRemoteTrack {
	t := &pionRemoteTrack{
		track:   track,
		enabled: true,
		muted:   true,
	}
	go t.readLoop()
	return t
}

func (t *pionRemoteTrack) readLoop() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.track.Read(buf); err != nil {
			t.markEnded()
			return
		}
		t.markUnmuted()
	}
}

func (t *pionRemoteTrack) markUnmuted() {
	t.mu.Lock()
	if !t.muted || t.ended {
		t.mu.Unlock()
		return
	}
	t.muted = false
	callbacks := append([]func(){}, t.onUnmute...)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (t *pionRemoteTrack) markEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	callbacks := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (t *pionRemoteTrack) ID() string      { return t.track.ID() }
func (t *pionRemoteTrack) Kind() MediaKind { return kindOf(t.track.Kind()) }

func (t *pionRemoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *pionRemoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *pionRemoteTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *pionRemoteTrack) OnUnmute(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUnmute = append(t.onUnmute, fn)
}

func (t *pionRemoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// StreamFunc receives the recomposed stream for a remote user. A nil stream
// means the user no longer has any live tracks.
type StreamFunc func(remoteUserID string, stream *RemoteStream)

// Aggregator collects remote tracks per user and recomposes a stream
// whenever the track set changes. At most one track per kind is kept; a
// later track of the same kind replaces the earlier one, which covers
// renegotiation and ICE restarts re-announcing tracks.
type Aggregator struct {
	mu            sync.Mutex
	tracks        map[string]map[MediaKind]RemoteTrack
	onStream      StreamFunc
	recheckDelays []time.Duration
}

// NewAggregator creates an aggregator that re-checks mute state at the
// given delays after each track arrival
func NewAggregator(onStream StreamFunc, recheckDelays []time.Duration) *Aggregator {
	return &Aggregator{
		tracks:        make(map[string]map[MediaKind]RemoteTrack),
		onStream:      onStream,
		recheckDelays: recheckDelays,
	}
}

// AddTrack registers an inbound track and emits the recomposed stream
// immediately. Tracks arriving disabled are force-enabled; some senders
// deliver tracks disabled even when media will flow.
func (a *Aggregator) AddTrack(remoteUserID string, track RemoteTrack) {
	if !track.Enabled() {
		logger.Debug("Force-enabling disabled remote track",
			zap.String("remote_user_id", remoteUserID),
			zap.String("kind", string(track.Kind())))
		track.SetEnabled(true)
	}

	a.mu.Lock()
	byKind, ok := a.tracks[remoteUserID]
	if !ok {
		byKind = make(map[MediaKind]RemoteTrack)
		a.tracks[remoteUserID] = byKind
	}
	byKind[track.Kind()] = track
	a.mu.Unlock()

	track.OnUnmute(func() {
		logger.Debug("Remote track unmuted",
			zap.String("remote_user_id", remoteUserID),
			zap.String("kind", string(track.Kind())))
		a.emit(remoteUserID)
	})
	track.OnEnded(func() {
		a.removeTrack(remoteUserID, track)
	})

	a.emit(remoteUserID)

	// Mute flips are not always delivered as events, so re-check on a
	// fixed schedule after arrival.
	for _, delay := range a.recheckDelays {
		time.AfterFunc(delay, func() {
			if a.has(remoteUserID, track) && !track.Muted() {
				a.emit(remoteUserID)
			}
		})
	}
}

// RemoveUser drops every track for the remote user without emitting;
// used on teardown where the session already reports closure
func (a *Aggregator) RemoveUser(remoteUserID string) {
	a.mu.Lock()
	delete(a.tracks, remoteUserID)
	a.mu.Unlock()
}

// Tracks returns the current track set for a remote user
func (a *Aggregator) Tracks(remoteUserID string) []RemoteTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(remoteUserID)
}

func (a *Aggregator) has(remoteUserID string, track RemoteTrack) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	byKind, ok := a.tracks[remoteUserID]
	if !ok {
		return false
	}
	return byKind[track.Kind()] == track
}

func (a *Aggregator) removeTrack(remoteUserID string, track RemoteTrack) {
	a.mu.Lock()
	byKind, ok := a.tracks[remoteUserID]
	if ok && byKind[track.Kind()] == track {
		delete(byKind, track.Kind())
		if len(byKind) == 0 {
			delete(a.tracks, remoteUserID)
		}
	}
	a.mu.Unlock()
	if ok {
		a.emit(remoteUserID)
	}
}

// snapshot must be called with the lock held
func (a *Aggregator) snapshot(remoteUserID string) []RemoteTrack {
	byKind := a.tracks[remoteUserID]
	if len(byKind) == 0 {
		return nil
	}
	tracks := make([]RemoteTrack, 0, len(byKind))
	if t, ok := byKind[MediaKindAudio]; ok {
		tracks = append(tracks, t)
	}
	if t, ok := byKind[MediaKindVideo]; ok {
		tracks = append(tracks, t)
	}
	return tracks
}

func (a *Aggregator) emit(remoteUserID string) {
	a.mu.Lock()
	tracks := a.snapshot(remoteUserID)
	a.mu.Unlock()

	if len(tracks) == 0 {
		// Empty composition is reported as stream loss, never as an
		// empty stream.
		a.onStream(remoteUserID, nil)
		return
	}
	a.onStream(remoteUserID, &RemoteStream{
		RemoteUserID: remoteUserID,
		Tracks:       tracks,
	})
}
