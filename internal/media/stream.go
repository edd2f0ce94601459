package media

import (
	"errors"
	"fmt"
)

// LocalStream is the set of tracks captured for one call.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) AudioTracks() []*LocalTrack { return s.ofKind(KindAudio) }
func (s *LocalStream) VideoTracks() []*LocalTrack { return s.ofKind(KindVideo) }

func (s *LocalStream) ofKind(kind Kind) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Toggle flips the enabled flag of every track of kind and returns the new
// state. A stream without such tracks reports false.
func (s *LocalStream) Toggle(kind Kind) bool {
	tracks := s.ofKind(kind)
	if len(tracks) == 0 {
		return false
	}
	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return enabled
}

// Enabled reports whether the first track of kind is enabled.
func (s *LocalStream) Enabled(kind Kind) bool {
	tracks := s.ofKind(kind)
	return len(tracks) > 0 && tracks[0].Enabled()
}

// Live counts tracks that have not ended.
func (s *LocalStream) Live() int {
	n := 0
	for _, t := range s.tracks {
		if t.ReadyState() == TrackLive {
			n++
		}
	}
	return n
}

// Stop stops every track, continuing past individual failures.
func (s *LocalStream) Stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track %s: %w", t.kind, t.id, err))
		}
	}
	return errors.Join(errs...)
}
