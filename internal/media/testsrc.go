package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a complete 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const (
	audioFrame       = 20 * time.Millisecond
	defaultFrameRate = 30
	defaultFrameSize = 1200
)

// TestSource is a Platform producing synthetic samples: Opus silence for
// audio and fixed-size VP8 payloads for video. It needs no host devices.
type TestSource struct {
	// Fail makes Open return the given error for a kind.
	Fail map[Kind]error

	open atomic.Int64
}

// OpenDevices is the number of devices opened and not yet closed.
func (s *TestSource) OpenDevices() int { return int(s.open.Load()) }

func (s *TestSource) Open(ctx context.Context, kind Kind, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.Fail[kind]; err != nil {
		return nil, err
	}

	d := &testDevice{src: s, closed: make(chan struct{})}
	switch kind {
	case KindAudio:
		d.label = "test audio source"
		d.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		d.interval = audioFrame
		d.payload = opusSilence
	case KindVideo:
		fps := c.FrameRate
		if fps <= 0 {
			fps = defaultFrameRate
		}
		d.label = "test video source"
		d.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		d.interval = time.Second / time.Duration(fps)
		d.payload = make([]byte, defaultFrameSize)
	default:
		return nil, ErrOverconstrained
	}
	d.ticker = time.NewTicker(d.interval)
	s.open.Add(1)
	return d, nil
}

type testDevice struct {
	src      *TestSource
	label    string
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	payload  []byte
	ticker   *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}
}

func (d *testDevice) Label() string                   { return d.label }
func (d *testDevice) Codec() webrtc.RTPCodecCapability { return d.codec }

func (d *testDevice) ReadSample(ctx context.Context) (pmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pmedia.Sample{}, ctx.Err()
	case <-d.closed:
		return pmedia.Sample{}, io.EOF
	case <-d.ticker.C:
		return pmedia.Sample{Data: d.payload, Duration: d.interval}, nil
	}
}

func (d *testDevice) Close() error {
	d.closeOnce.Do(func() {
		d.ticker.Stop()
		close(d.closed)
		d.src.open.Add(-1)
	})
	return nil
}
