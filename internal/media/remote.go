package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// RTPSource is the read side of an incoming track.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is an incoming track. It starts muted and unmutes when the
// first packet arrives.
type RemoteTrack struct {
	id     string
	kind   Kind
	src    RTPSource
	stopFn func() error
	log    *zap.Logger

	muted   atomic.Bool
	ended   atomic.Bool
	packets atomic.Uint64

	mu       sync.Mutex
	onUnmute []func()
	sink     func(*rtp.Packet)

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// NewRemoteTrack wraps src. stop releases the underlying receiver and may be nil.
func NewRemoteTrack(id string, kind Kind, src RTPSource, stop func() error, log *zap.Logger) *RemoteTrack {
	if log == nil {
		log = zap.NewNop()
	}
	t := &RemoteTrack{
		id:     id,
		kind:   kind,
		src:    src,
		stopFn: stop,
		log:    log.With(zap.String("remoteTrack", id), zap.String("kind", string(kind))),
	}
	t.muted.Store(true)
	return t
}

func (t *RemoteTrack) ID() string      { return t.id }
func (t *RemoteTrack) Kind() Kind      { return t.kind }
func (t *RemoteTrack) Muted() bool     { return t.muted.Load() }
func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }

func (t *RemoteTrack) ReadyState() TrackState {
	if t.ended.Load() {
		return TrackEnded
	}
	return TrackLive
}

// OnUnmute registers fn to run when media starts flowing. If the track is
// already unmuted fn is not called.
func (t *RemoteTrack) OnUnmute(fn func()) {
	t.mu.Lock()
	t.onUnmute = append(t.onUnmute, fn)
	t.mu.Unlock()
}

// SetSink receives every packet; nil drains.
func (t *RemoteTrack) SetSink(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = fn
	t.mu.Unlock()
}

// Start launches the read loop. Subsequent calls are no-ops.
func (t *RemoteTrack) Start() {
	t.startOnce.Do(func() { go t.readLoop() })
}

func (t *RemoteTrack) readLoop() {
	defer t.ended.Store(true)

	for {
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			if !t.ended.Load() {
				t.log.Debug("remote track read ended", zap.Error(err))
			}
			return
		}
		t.packets.Add(1)

		if t.muted.CompareAndSwap(true, false) {
			t.log.Debug("remote track unmuted")
			t.mu.Lock()
			fns := append([]func(){}, t.onUnmute...)
			t.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}

		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink(pkt)
		}
	}
}

// Stop ends the track. Safe to call more than once.
func (t *RemoteTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.ended.Store(true)
		if t.stopFn != nil {
			t.stopErr = t.stopFn()
		}
	})
	return t.stopErr
}

// RemoteStream accumulates remote tracks. It only grows while the call is
// active; duplicates (by id) are ignored.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []*RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

// Add appends t unless a track with the same id is present. It reports
// whether the stream grew.
func (s *RemoteStream) Add(t *RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.id == t.id {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

func (s *RemoteStream) AudioTracks() []*RemoteTrack { return s.ofKind(KindAudio) }
func (s *RemoteStream) VideoTracks() []*RemoteTrack { return s.ofKind(KindVideo) }

func (s *RemoteStream) ofKind(kind Kind) []*RemoteTrack {
	var out []*RemoteTrack
	for _, t := range s.Tracks() {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track, continuing past individual failures.
func (s *RemoteStream) Stop() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop remote %s track %s: %w", t.kind, t.id, err))
		}
	}
	return errors.Join(errs...)
}
