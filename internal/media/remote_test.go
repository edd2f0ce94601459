package media

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

type chanSource chan *rtp.Packet

func (s chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRemoteTrack_UnmutesOnFirstPacket(t *testing.T) {
	src := make(chanSource, 4)
	var stops atomic.Int32
	track := NewRemoteTrack("v1", KindVideo, src, func() error {
		stops.Add(1)
		close(src)
		return nil
	}, nil)

	var unmutes, sunk atomic.Int32
	track.OnUnmute(func() { unmutes.Add(1) })
	track.SetSink(func(*rtp.Packet) { sunk.Add(1) })

	if !track.Muted() {
		t.Fatal("remote tracks start muted")
	}
	track.Start()
	track.Start()

	src <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}
	src <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}
	waitFor(t, "two packets", func() bool { return track.Packets() == 2 })

	if track.Muted() {
		t.Error("expected unmuted after media")
	}
	if n := unmutes.Load(); n != 1 {
		t.Errorf("expected one unmute callback, got %d", n)
	}
	if n := sunk.Load(); n != 2 {
		t.Errorf("expected 2 packets in sink, got %d", n)
	}

	_ = track.Stop()
	_ = track.Stop()
	if n := stops.Load(); n != 1 {
		t.Errorf("expected receiver stopped once, got %d", n)
	}
	waitFor(t, "ended", func() bool { return track.ReadyState() == TrackEnded })
}

func TestRemoteStream_GrowsWithoutDuplicates(t *testing.T) {
	s := NewRemoteStream("remote")
	a := NewRemoteTrack("a1", KindAudio, make(chanSource), nil, nil)
	v := NewRemoteTrack("v1", KindVideo, make(chanSource), nil, nil)

	if !s.Add(a) || !s.Add(v) {
		t.Fatal("new tracks must be added")
	}
	if s.Add(NewRemoteTrack("a1", KindAudio, make(chanSource), nil, nil)) {
		t.Error("duplicate id must be ignored")
	}
	if s.Len() != 2 || len(s.AudioTracks()) != 1 || len(s.VideoTracks()) != 1 {
		t.Errorf("unexpected stream contents: %d tracks", s.Len())
	}
}

func TestRemoteStream_StopJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	s := NewRemoteStream("remote")
	s.Add(NewRemoteTrack("a1", KindAudio, make(chanSource), func() error { return errA }, nil))
	var stopped atomic.Bool
	s.Add(NewRemoteTrack("v1", KindVideo, make(chanSource), func() error { stopped.Store(true); return nil }, nil))

	err := s.Stop()
	if !errors.Is(err, errA) {
		t.Errorf("expected first failure reported, got %v", err)
	}
	if !stopped.Load() {
		t.Error("stop must continue past a failing track")
	}
}

func TestView_ReportsOnlyNewTracks(t *testing.T) {
	s := NewRemoteStream("remote")
	s.Add(NewRemoteTrack("a1", KindAudio, make(chanSource), nil, nil))

	var v View
	if n := len(v.Update(s)); n != 1 {
		t.Fatalf("expected 1 new track, got %d", n)
	}
	if n := len(v.Update(s)); n != 0 {
		t.Errorf("repeated delivery must be an empty diff, got %d", n)
	}
	s.Add(NewRemoteTrack("v1", KindVideo, make(chanSource), nil, nil))
	added := v.Update(s)
	if len(added) != 1 || added[0].ID() != "v1" {
		t.Errorf("expected v1 added, got %v", added)
	}
	if v.Len() != 2 {
		t.Errorf("expected 2 seen, got %d", v.Len())
	}
}
