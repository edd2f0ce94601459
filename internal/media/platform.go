package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Config is what the application asks to capture.
type Config struct {
	Audio bool
	Video bool
	// VideoConstraints overrides the quality preset for the video device.
	VideoConstraints *VideoConstraints
}

// VideoConstraints narrows the video capture.
type VideoConstraints struct {
	Width      int
	Height     int
	FrameRate  int
	FacingMode string
}

// Constraints is handed to a Platform when opening a device. Zero values
// defer to the platform default.
type Constraints struct {
	Width        int
	Height       int
	FrameRate    int
	MinFrameRate int
	FacingMode   string

	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Device is an open capture device producing encoded samples.
type Device interface {
	Label() string
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks until the next sample is available, ctx is done or the device is closed.
	ReadSample(ctx context.Context) (pmedia.Sample, error)
	// Close releases the device. It must be safe to call more than once.
	Close() error
}

// Platform is the host capture capability.
type Platform interface {
	Open(ctx context.Context, kind Kind, c Constraints) (Device, error)
}

func audioConstraints() Constraints {
	return Constraints{
		SampleRate:       48000,
		Channels:         2,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

func videoConstraints(p Preset, override *VideoConstraints) Constraints {
	c := Constraints{
		Width:      p.Width,
		Height:     p.Height,
		FrameRate:  p.FrameRate,
		FacingMode: "user",
	}
	if p.FrameRate > 0 {
		c.MinFrameRate = min(24, p.FrameRate)
	}
	if override != nil {
		if override.Width > 0 {
			c.Width = override.Width
		}
		if override.Height > 0 {
			c.Height = override.Height
		}
		if override.FrameRate > 0 {
			c.FrameRate = override.FrameRate
			c.MinFrameRate = min(c.MinFrameRate, override.FrameRate)
		}
		if override.FacingMode != "" {
			c.FacingMode = override.FacingMode
		}
	}
	return c
}
