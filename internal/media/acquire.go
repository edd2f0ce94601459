package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Acquirer opens local capture through a Platform.
type Acquirer struct {
	platform Platform
	log      *zap.Logger
}

func NewAcquirer(platform Platform, log *zap.Logger) *Acquirer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Acquirer{platform: platform, log: log.Named("media")}
}

// Acquire opens the devices cfg asks for. Every error is a *Error. On failure
// no device is left open.
func (a *Acquirer) Acquire(ctx context.Context, cfg Config, quality Quality) (*LocalStream, error) {
	if !cfg.Audio && !cfg.Video {
		return nil, &Error{Reason: ReasonConstraints, Err: errors.New("neither audio nor video requested")}
	}
	preset, ok := PresetFor(quality)
	if !ok {
		return nil, &Error{Reason: ReasonConstraints, Err: fmt.Errorf("unknown quality %q", quality)}
	}
	if a.platform == nil {
		return nil, &Error{Reason: ReasonUnsupported, Err: errors.ErrUnsupported}
	}

	a.log.Info("requesting media",
		zap.Bool("audio", cfg.Audio),
		zap.Bool("video", cfg.Video),
		zap.String("quality", string(preset.Name)),
	)

	stream := &LocalStream{id: uuid.NewString()}
	fail := func(kind Kind, err error) (*LocalStream, error) {
		if stopErr := stream.Stop(); stopErr != nil {
			a.log.Warn("release after failed acquire", zap.Error(stopErr))
		}
		me := classified(kind, err)
		a.log.Warn("media acquisition failed", zap.String("reason", string(me.Reason)), zap.Error(err))
		return nil, me
	}

	type request struct {
		kind Kind
		c    Constraints
	}
	var reqs []request
	if cfg.Audio {
		reqs = append(reqs, request{KindAudio, audioConstraints()})
	}
	if cfg.Video {
		reqs = append(reqs, request{KindVideo, videoConstraints(preset, cfg.VideoConstraints)})
	}

	for _, r := range reqs {
		dev, err := a.platform.Open(ctx, r.kind, r.c)
		if err != nil {
			return fail(r.kind, err)
		}
		track, err := newLocalTrack(dev, r.kind, stream.id, a.log)
		if err != nil {
			_ = dev.Close()
			return fail(r.kind, err)
		}
		stream.tracks = append(stream.tracks, track)
	}

	if stream.Live() != len(reqs) {
		return fail("", ErrNoLiveTracks)
	}

	for _, t := range stream.tracks {
		a.log.Info("local track ready", zap.String("kind", string(t.kind)), zap.String("label", t.Label()))
	}
	return stream, nil
}
