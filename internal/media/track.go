package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TrackState mirrors the readyState of a browser media track.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

const stopWait = 2 * time.Second

var errTrackEnded = errors.New("track ended")

// LocalTrack pumps samples from a capture device into a pion sample track.
// Disabling a track keeps the device open and drops samples; Stop releases
// the device for good.
type LocalTrack struct {
	id    string
	kind  Kind
	dev   Device
	out   *webrtc.TrackLocalStaticSample
	log   *zap.Logger
	ended atomic.Bool

	enabled atomic.Bool
	limiter atomic.Pointer[rate.Limiter]

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func newLocalTrack(dev Device, kind Kind, streamID string, log *zap.Logger) (*LocalTrack, error) {
	id := uuid.NewString()
	out, err := webrtc.NewTrackLocalStaticSample(dev.Codec(), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		id:     id,
		kind:   kind,
		dev:    dev,
		out:    out,
		log:    log.With(zap.String("track", id), zap.String("kind", string(kind))),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)

	go t.pump(ctx)
	return t, nil
}

func (t *LocalTrack) ID() string    { return t.id }
func (t *LocalTrack) Kind() Kind    { return t.kind }
func (t *LocalTrack) Label() string { return t.dev.Label() }

// TrackLocal is what gets attached to a peer connection.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.out }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles sample delivery without touching the device.
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) ReadyState() TrackState {
	if t.ended.Load() {
		return TrackEnded
	}
	return TrackLive
}

// SetMaxBitrate caps the bytes handed to the sender. bps <= 0 removes the cap.
func (t *LocalTrack) SetMaxBitrate(bps int) error {
	if t.ended.Load() {
		return errTrackEnded
	}
	if bps <= 0 {
		t.limiter.Store(nil)
		return nil
	}
	bytesPerSec := bps / 8
	t.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, 4096)))
	return nil
}

// Stop ends the track and releases its device. Safe to call more than once.
func (t *LocalTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.ended.Store(true)
		t.cancel()
		t.stopErr = t.dev.Close()

		select {
		case <-t.done:
		case <-time.After(stopWait):
			t.log.Warn("capture pump did not exit after stop")
		}
		t.log.Debug("track stopped")
	})
	return t.stopErr
}

func (t *LocalTrack) pump(ctx context.Context) {
	defer close(t.done)
	defer t.ended.Store(true)

	for {
		sample, err := t.dev.ReadSample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("capture device read failed", zap.Error(err))
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if lim := t.limiter.Load(); lim != nil && !lim.AllowN(time.Now(), len(sample.Data)) {
			continue
		}
		if err := t.out.WriteSample(sample); err != nil {
			t.log.Debug("write sample", zap.Error(err))
		}
	}
}
