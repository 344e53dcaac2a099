package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	apperrors "peercall/pkg/errors"
)

// MediaKind identifies a track's media type
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func kindOf(codecType webrtc.RTPCodecType) MediaKind {
	if codecType == webrtc.RTPCodecTypeVideo {
		return MediaKindVideo
	}
	return MediaKindAudio
}

// MediaConstraints selects which capture tracks to acquire
type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalTrack is a capture track attached to outbound peer connections.
// Disabling a track mutes it without renegotiation.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	RTPTrack() webrtc.TrackLocal
	Close() error
}

// MediaProvider acquires capture tracks. Production uses StaticMediaProvider
// fed by a capture pipeline; tests substitute fakes.
type MediaProvider interface {
	Acquire(ctx context.Context, constraints MediaConstraints) (*LocalMedia, error)
}

// StaticTrack is a LocalTrack backed by a pion static sample track. Samples
// written while the track is disabled are dropped, which is how muting is
// realized on the wire.
type StaticTrack struct {
	id    string
	kind  MediaKind
	track *webrtc.TrackLocalStaticSample

	mu      sync.RWMutex
	enabled bool
}

// NewStaticTrack creates an enabled track for the given kind
func NewStaticTrack(kind MediaKind) (*StaticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == MediaKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}

	id := uuid.New().String()
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, "peercall-"+string(kind))
	if err != nil {
		return nil, err
	}

	return &StaticTrack{
		id:      id,
		kind:    kind,
		track:   track,
		enabled: true,
	}, nil
}

func (t *StaticTrack) ID() string { return t.id }

func (t *StaticTrack) Kind() MediaKind { return t.kind }

func (t *StaticTrack) RTPTrack() webrtc.TrackLocal { return t.track }

func (t *StaticTrack) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *StaticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// WriteSample forwards a captured sample unless the track is muted
func (t *StaticTrack) WriteSample(sample media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.track.WriteSample(sample)
}

func (t *StaticTrack) Close() error {
	t.SetEnabled(false)
	return nil
}

// LocalMedia is the set of capture tracks for one call
type LocalMedia struct {
	mu     sync.RWMutex
	tracks []LocalTrack
}

// NewLocalMedia wraps already-acquired tracks
func NewLocalMedia(tracks ...LocalTrack) *LocalMedia {
	return &LocalMedia{tracks: tracks}
}

// Tracks returns a snapshot of the capture tracks
func (m *LocalMedia) Tracks() []LocalTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LocalTrack, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// SetEnabled toggles every track of the given kind and reports whether any
// track of that kind exists
func (m *LocalMedia) SetEnabled(kind MediaKind, enabled bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := false
	for _, track := range m.tracks {
		if track.Kind() == kind {
			track.SetEnabled(enabled)
			found = true
		}
	}
	return found
}

// Enabled reports whether any track of the given kind is live
func (m *LocalMedia) Enabled(kind MediaKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, track := range m.tracks {
		if track.Kind() == kind && track.Enabled() {
			return true
		}
	}
	return false
}

// Stop releases every capture track
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, track := range m.tracks {
		track.Close()
	}
	m.tracks = nil
}

// StaticMediaProvider acquires in-process static sample tracks
type StaticMediaProvider struct{}

func NewStaticMediaProvider() *StaticMediaProvider {
	return &StaticMediaProvider{}
}

// Acquire creates the tracks the constraints ask for
func (p *StaticMediaProvider) Acquire(ctx context.Context, constraints MediaConstraints) (*LocalMedia, error) {
	var tracks []LocalTrack
	if constraints.Audio {
		track, err := NewStaticTrack(MediaKindAudio)
		if err != nil {
			return nil, apperrors.MediaAccessError(err)
		}
		tracks = append(tracks, track)
	}
	if constraints.Video {
		track, err := NewStaticTrack(MediaKindVideo)
		if err != nil {
			return nil, apperrors.MediaAccessError(err)
		}
		tracks = append(tracks, track)
	}
	return NewLocalMedia(tracks...), nil
}
