package call

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/media"
	"peercall/native/internal/store/memory"

	"github.com/pion/rtp"
)

func TestStartCall_PublishesOfferWithRinging(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality1080p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	rec, err := store.Read(ctx, "call-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Offer == nil || rec.Offer.SDP != "offer-1 restart=false" {
		t.Errorf("expected initial offer in store, got %+v", rec.Offer)
	}
	if rec.Status != domain.CallStatusRinging {
		t.Errorf("expected status ringing, got %q", rec.Status)
	}
	if st := h.session.State(); st != StateAwaitingRemoteDescription {
		t.Errorf("expected awaiting-remote-description, got %s", st)
	}
	eventually(t, "local stream callback", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.localStream != nil
	})
}

func TestStartCall_TwiceIsRejected(t *testing.T) {
	h := newHarness(t, memory.New(nil), "alice", testConfig())
	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := h.session.JoinCall(context.Background(), "call-1", audioVideo, media.Quality720p); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStartCall_AppliesEachAnswerOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	answer := &domain.SessionDescription{Type: "answer", SDP: "remote-answer"}
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Answer: answer})
	eventually(t, "answer applied", func() bool { return h.peer.remoteCount() == 1 })

	// Re-delivered snapshots carrying the same answer must not reapply it.
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Status: domain.CallStatusConnected})
	time.Sleep(30 * time.Millisecond)

	if n := h.peer.remoteCount(); n != 1 {
		t.Errorf("expected the answer to be applied once, got %d", n)
	}
	if st := h.session.State(); st != StateNegotiatingCandidates {
		t.Errorf("expected negotiating-candidates, got %s", st)
	}
}

func TestStartCall_AnswerRejectedIsNegotiationError(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())
	h.peer.setRemoteErr = domain.ErrNegotiation

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Answer: &domain.SessionDescription{Type: "answer", SDP: "bad"}})

	eventually(t, "negotiation error", func() bool { return len(h.rec.errors()) == 1 })
	if k := KindOf(h.rec.errors()[0]); k != KindNegotiation {
		t.Errorf("expected negotiation error, got %q", k)
	}
}

func TestJoinCall_AnswersExistingOffer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	offer := &domain.SessionDescription{Type: "offer", SDP: "caller-offer"}
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Offer: offer, Status: domain.CallStatusRinging})

	h := newHarness(t, store, "bob", testConfig())
	if err := h.session.JoinCall(ctx, "call-1", audioVideo, media.Quality1080p); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}

	rec, _ := store.Read(ctx, "call-1")
	if rec.Answer == nil || rec.Answer.SDP != "answer-1" {
		t.Errorf("expected answer-1 in store, got %+v", rec.Answer)
	}
	if rec.Offer == nil || rec.Offer.SDP != "caller-offer" {
		t.Errorf("answer write clobbered the offer: %+v", rec.Offer)
	}
	h.peer.mu.Lock()
	applied := h.peer.remoteDescs[0]
	h.peer.mu.Unlock()
	if applied.SDP != "caller-offer" {
		t.Errorf("expected caller offer applied, got %q", applied.SDP)
	}
	if st := h.session.State(); st != StateNegotiatingCandidates {
		t.Errorf("expected negotiating-candidates, got %s", st)
	}
}

func TestJoinCall_OfferNeverArrives(t *testing.T) {
	store := memory.New(nil)
	h := newHarness(t, store, "bob", testConfig())

	err := h.session.JoinCall(context.Background(), "call-2", audioVideo, media.Quality1080p)
	if KindOf(err) != KindOfferTimeout {
		t.Fatalf("expected offer-timeout error, got %v", err)
	}
	if !errors.Is(err, ErrOfferNeverArrived) {
		t.Errorf("expected ErrOfferNeverArrived, got %v", err)
	}

	eventually(t, "error callback", func() bool { return len(h.rec.errors()) == 1 })
	if KindOf(h.rec.errors()[0]) != KindOfferTimeout {
		t.Errorf("expected offer-timeout via OnError, got %v", h.rec.errors()[0])
	}
	if n := h.src.OpenDevices(); n != 0 {
		t.Errorf("expected devices released after failed join, %d still open", n)
	}
	if _, err := store.Read(context.Background(), "call-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no record for call-2, got %v", err)
	}
	if !h.rec.sawState(StateFailed) {
		t.Error("expected the session to pass through failed")
	}
}

func TestJoinCall_StoreUnreachableIsSignalingError(t *testing.T) {
	store := &flakyStore{Store: memory.New(nil), readErr: domain.ErrStoreUnavailable}
	h := newHarness(t, store, "bob", testConfig())

	err := h.session.JoinCall(context.Background(), "call-1", audioVideo, media.Quality720p)
	if KindOf(err) != KindSignaling {
		t.Fatalf("expected signaling error, got %v", err)
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable in chain, got %v", err)
	}
}

func TestJoinCall_CancelInterruptsOfferWait(t *testing.T) {
	cfg := testConfig()
	cfg.OfferPollAttempts = 1000
	cfg.OfferPollInterval = 10 * time.Millisecond
	h := newHarness(t, memory.New(nil), "bob", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.JoinCall(ctx, "call-1", audioVideo, media.Quality720p) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("JoinCall did not return after cancel")
	}
	if n := len(h.rec.errors()); n != 0 {
		t.Errorf("cancellation must not surface errors, got %d", n)
	}
	if n := h.src.OpenDevices(); n != 0 {
		t.Errorf("expected devices released, %d still open", n)
	}
}

func TestJoinCall_RenegotiatesOnNewOffer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Offer: &domain.SessionDescription{Type: "offer", SDP: "round-1"}})

	h := newHarness(t, store, "bob", testConfig())
	if err := h.session.JoinCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}

	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Offer: &domain.SessionDescription{Type: "offer", SDP: "round-2"}})

	eventually(t, "fresh answer", func() bool {
		rec, err := store.Read(ctx, "call-1")
		return err == nil && rec.Answer != nil && rec.Answer.SDP == "answer-2"
	})
	if n := h.peer.remoteCount(); n != 2 {
		t.Errorf("expected two remote offers applied, got %d", n)
	}
}

func TestCandidates_SkipsOwnAndDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	_ = store.AppendCandidate(ctx, "call-1", domain.CandidateRecord{ID: "own", UserID: "alice", Candidate: domain.ICECandidate{Candidate: "candidate:own"}})
	_ = store.AppendCandidate(ctx, "call-1", domain.CandidateRecord{ID: "r1", UserID: "bob", Candidate: domain.ICECandidate{Candidate: "candidate:r1"}})
	_ = store.AppendCandidate(ctx, "call-1", domain.CandidateRecord{ID: "r2", UserID: "bob", Candidate: domain.ICECandidate{Candidate: "candidate:r2"}})

	eventually(t, "remote candidates", func() bool { return len(h.peer.appliedCandidates()) == 2 })

	// A second subscription replaying history must not double-apply.
	h.session.handleRemoteCandidate(domain.CandidateRecord{ID: "r1", UserID: "bob", Candidate: domain.ICECandidate{Candidate: "candidate:r1"}})

	got := h.peer.appliedCandidates()
	if len(got) != 2 {
		t.Fatalf("expected 2 applied candidates, got %d", len(got))
	}
	if got[0].Candidate != "candidate:r1" || got[1].Candidate != "candidate:r2" {
		t.Errorf("expected arrival order r1, r2, got %v", got)
	}
	for _, c := range got {
		if c.Candidate == "candidate:own" {
			t.Error("own candidate applied to own connection")
		}
	}
}

func TestCandidates_LocalAppendedWithAuthor(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	h.peer.emitCandidate(domain.ICECandidate{Candidate: "candidate:1"})
	h.peer.emitCandidate(domain.ICECandidate{Candidate: "candidate:2"})

	eventually(t, "candidates appended", func() bool { return len(store.Candidates("call-1")) == 2 })
	got := store.Candidates("call-1")
	for i, want := range []string{"candidate:1", "candidate:2"} {
		if got[i].Candidate.Candidate != want {
			t.Errorf("candidate %d: expected %s, got %s", i, want, got[i].Candidate.Candidate)
		}
		if got[i].UserID != "alice" {
			t.Errorf("candidate %d: expected author alice, got %q", i, got[i].UserID)
		}
		if got[i].ID == "" {
			t.Errorf("candidate %d: expected an id", i)
		}
	}
}

func TestToggleAudio_FlipsWithoutStopping(t *testing.T) {
	h := newHarness(t, memory.New(nil), "alice", testConfig())
	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if !h.session.IsAudioEnabled() {
		t.Fatal("expected audio enabled initially")
	}
	if got := h.session.ToggleAudio(); got {
		t.Errorf("first toggle: expected false, got true")
	}
	if got := h.session.ToggleAudio(); !got {
		t.Errorf("second toggle: expected true, got false")
	}
	if got := h.session.ToggleVideo(); got {
		t.Errorf("video toggle: expected false, got true")
	}
	if h.session.IsVideoEnabled() {
		t.Error("expected video disabled")
	}

	h.rec.mu.Lock()
	local := h.rec.localStream
	h.rec.mu.Unlock()
	for _, tr := range local.Tracks() {
		if tr.ReadyState() != media.TrackLive {
			t.Errorf("%s track stopped by toggle", tr.Kind())
		}
	}
	if n := h.src.OpenDevices(); n != 2 {
		t.Errorf("expected both devices still open, got %d", n)
	}
}

func TestEndCall_MidNegotiationKeepsSignalingData(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	h.peer.emitCandidate(domain.ICECandidate{Candidate: "candidate:1"})
	eventually(t, "candidate appended", func() bool { return len(store.Candidates("call-1")) == 1 })
	h.peer.emitTrack(media.NewRemoteTrack("remote-audio", media.KindAudio, newIdleSource(), nil, nil))

	if err := h.session.EndCall(ctx, false); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	if n := h.src.OpenDevices(); n != 0 {
		t.Errorf("expected no open devices, got %d", n)
	}
	h.rec.mu.Lock()
	local := h.rec.localStream
	h.rec.mu.Unlock()
	if n := local.Live(); n != 0 {
		t.Errorf("expected no live local tracks, got %d", n)
	}
	h.peer.mu.Lock()
	closed := h.peer.closed
	h.peer.mu.Unlock()
	if closed != 1 {
		t.Errorf("expected peer closed once, got %d", closed)
	}
	if n := store.Subscribers("call-1"); n != 0 {
		t.Errorf("expected subscriptions cancelled, %d remain", n)
	}
	rec, err := store.Read(ctx, "call-1")
	if err != nil {
		t.Fatalf("expected record to survive, got %v", err)
	}
	if rec.Status != domain.CallStatusEnded {
		t.Errorf("expected status ended, got %q", rec.Status)
	}
	if n := len(store.Candidates("call-1")); n != 1 {
		t.Errorf("expected candidates kept, got %d", n)
	}
	if st := h.session.State(); st != StateEnded {
		t.Errorf("expected ended, got %s", st)
	}

	// Releasing again changes nothing.
	if err := h.session.EndCall(ctx, true); err != nil {
		t.Errorf("second EndCall: %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Errorf("Close after EndCall: %v", err)
	}
	if _, err := store.Read(ctx, "call-1"); err != nil {
		t.Errorf("second EndCall must not delete, got %v", err)
	}
}

func TestEndCall_DeleteRemovesSignalingData(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := h.session.EndCall(ctx, true); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if _, err := store.Read(ctx, "call-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected record deleted, got %v", err)
	}
}

func TestEndCall_ReleasesDevicesWhenOtherStepsFail(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New(nil), deleteErr: errBoom}
	h := newHarness(t, store, "alice", testConfig())
	h.peer.closePanics = true

	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	err := h.session.EndCall(ctx, true)
	if !errors.Is(err, errBoom) {
		t.Errorf("expected delete failure reported, got %v", err)
	}
	if n := h.src.OpenDevices(); n != 0 {
		t.Errorf("expected devices released despite failures, %d open", n)
	}
	if n := store.Subscribers("call-1"); n != 0 {
		t.Errorf("expected subscriptions cancelled despite failures, %d remain", n)
	}
}

func TestRemoteEnded_TearsDownWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Offer: &domain.SessionDescription{Type: "offer", SDP: "o"}})

	h := newHarness(t, store, "bob", testConfig())
	if err := h.session.JoinCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}

	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Status: domain.CallStatusEnded})

	eventually(t, "session ended", func() bool { return h.session.State() == StateEnded })
	eventually(t, "devices released", func() bool { return h.src.OpenDevices() == 0 })
	if _, err := store.Read(ctx, "call-1"); err != nil {
		t.Errorf("remote hangup must not delete the record: %v", err)
	}
}

func TestStartCall_IgnoresEndedStatusOfPreviousRound(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "old"},
		Status: domain.CallStatusEnded,
	})

	h := newHarness(t, store, "alice", testConfig())
	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if st := h.session.State(); st == StateEnded {
		t.Error("stale ended status tore down a new call")
	}
}

func TestRemoteStream_RedeliveredAndGrowing(t *testing.T) {
	h := newHarness(t, memory.New(nil), "alice", testConfig())
	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	audio := media.NewRemoteTrack("a", media.KindAudio, newIdleSource(), nil, nil)
	h.peer.emitTrack(audio)
	h.peer.emitTrack(audio)
	eventually(t, "redeliveries", func() bool { return len(h.rec.remoteDeliveries()) >= 3 })

	h.peer.emitTrack(media.NewRemoteTrack("v", media.KindVideo, newIdleSource(), nil, nil))
	h.peer.emitState(domain.ConnectionStateConnected)
	eventually(t, "two-track delivery", func() bool {
		d := h.rec.remoteDeliveries()
		return len(d) > 0 && d[len(d)-1] == 2
	})

	prev := 0
	for i, n := range h.rec.remoteDeliveries() {
		if n < prev {
			t.Fatalf("delivery %d shrank the remote stream: %d < %d", i, n, prev)
		}
		prev = n
	}

	var v media.View
	if added := v.Update(remoteOf(h.session)); len(added) != 2 {
		t.Errorf("expected view to add 2 tracks, got %d", len(added))
	}
	if added := v.Update(remoteOf(h.session)); len(added) != 0 {
		t.Errorf("duplicate delivery must add nothing, got %d", len(added))
	}
}

func remoteOf(s *Session) *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func TestConnected_CallerMarksRecordConnected(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	h := newHarness(t, store, "alice", testConfig())
	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	h.peer.emitState(domain.ConnectionStateConnected)

	eventually(t, "connected status", func() bool {
		rec, err := store.Read(ctx, "call-1")
		return err == nil && rec.Status == domain.CallStatusConnected
	})
	if st := h.session.ConnectionState(); st != domain.ConnectionStateConnected {
		t.Errorf("expected connected, got %s", st)
	}
}

func TestSetupTimeout_SurfacesError(t *testing.T) {
	cfg := testConfig()
	cfg.SetupTimeout = 30 * time.Millisecond
	h := newHarness(t, memory.New(nil), "alice", cfg)

	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	eventually(t, "setup timeout", func() bool { return len(h.rec.errors()) == 1 })
	if k := KindOf(h.rec.errors()[0]); k != KindSetupTimeout {
		t.Errorf("expected setup-timeout, got %q", k)
	}
	if st := h.session.State(); st != StateFailed {
		t.Errorf("expected failed, got %s", st)
	}
}

func TestSetupTimeout_CancelledByConnect(t *testing.T) {
	cfg := testConfig()
	cfg.SetupTimeout = 40 * time.Millisecond
	h := newHarness(t, memory.New(nil), "alice", cfg)

	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	h.peer.emitState(domain.ConnectionStateConnected)
	time.Sleep(80 * time.Millisecond)

	if n := len(h.rec.errors()); n != 0 {
		t.Errorf("expected no errors after connecting, got %v", h.rec.errors())
	}
}

func TestMediaError_Classified(t *testing.T) {
	h := newHarness(t, memory.New(nil), "alice", testConfig())
	h.src.Fail = map[media.Kind]error{media.KindVideo: fs.ErrPermission}

	err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p)
	if KindOf(err) != KindMedia {
		t.Fatalf("expected media error, got %v", err)
	}
	var me *media.Error
	if !errors.As(err, &me) || me.Reason != media.ReasonPermissionDenied {
		t.Errorf("expected permission-denied reason, got %v", err)
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Hint() == "" {
		t.Error("expected a remediation hint")
	}
	if n := h.src.OpenDevices(); n != 0 {
		t.Errorf("expected audio device released after video failure, %d open", n)
	}
}

// seedEndedCall leaves the record of a finished attempt on call-1.
func seedEndedCall(t *testing.T, store domain.SignalStore) {
	t.Helper()
	err := store.Upsert(context.Background(), "call-1", domain.CallUpdate{
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "old-offer"},
		Answer: &domain.SessionDescription{Type: "answer", SDP: "old-answer"},
		Status: domain.CallStatusEnded,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStartCall_ReusedCallIDIgnoresPreviousAnswer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	seedEndedCall(t, store)

	h := newHarness(t, store, "alice", testConfig())
	if err := h.session.StartCall(ctx, "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if n := h.peer.remoteCount(); n != 0 {
		t.Fatalf("previous round's answer was applied (%d remote descriptions)", n)
	}
	rec, _ := store.Read(ctx, "call-1")
	if rec.Answer != nil {
		t.Errorf("expected the old answer cleared with the new offer, got %+v", rec.Answer)
	}
	if rec.Status != domain.CallStatusRinging {
		t.Errorf("expected ringing, got %q", rec.Status)
	}

	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{Answer: &domain.SessionDescription{Type: "answer", SDP: "fresh-answer"}})
	eventually(t, "fresh answer applied", func() bool { return h.peer.remoteCount() == 1 })
	h.peer.mu.Lock()
	applied := h.peer.remoteDescs[0].SDP
	h.peer.mu.Unlock()
	if applied != "fresh-answer" {
		t.Errorf("expected fresh-answer, got %q", applied)
	}
	if st := h.session.State(); st != StateNegotiatingCandidates {
		t.Errorf("expected negotiating-candidates, got %s", st)
	}
}

func TestJoinCall_ReusedCallIDWaitsForNewOffer(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	seedEndedCall(t, store)

	cfg := testConfig()
	cfg.OfferPollAttempts = 40
	h := newHarness(t, store, "bob", cfg)

	joined := make(chan error, 1)
	go func() { joined <- h.session.JoinCall(ctx, "call-1", audioVideo, media.Quality720p) }()

	time.Sleep(30 * time.Millisecond)
	if n := h.peer.remoteCount(); n != 0 {
		t.Fatalf("answered the offer of an ended call")
	}
	_ = store.Upsert(ctx, "call-1", domain.CallUpdate{
		Offer:       &domain.SessionDescription{Type: "offer", SDP: "new-offer"},
		Status:      domain.CallStatusRinging,
		ClearAnswer: true,
	})

	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("JoinCall: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("JoinCall did not return")
	}

	h.peer.mu.Lock()
	applied := h.peer.remoteDescs[0].SDP
	h.peer.mu.Unlock()
	if applied != "new-offer" {
		t.Errorf("expected new-offer applied, got %q", applied)
	}
	time.Sleep(30 * time.Millisecond)
	if st := h.session.State(); st != StateNegotiatingCandidates {
		t.Errorf("expected negotiating-candidates, got %s", st)
	}
}

func TestJoinCall_OnlyEndedRecordTimesOut(t *testing.T) {
	store := memory.New(nil)
	seedEndedCall(t, store)
	h := newHarness(t, store, "bob", testConfig())

	err := h.session.JoinCall(context.Background(), "call-1", audioVideo, media.Quality720p)
	if KindOf(err) != KindOfferTimeout {
		t.Fatalf("expected offer timeout, got %v", err)
	}
	if n := h.peer.remoteCount(); n != 0 {
		t.Errorf("answered the offer of an ended call")
	}
}

func TestStartCall_RewritesOfferOnceWhenReadBackMisses(t *testing.T) {
	store := &flakyStore{Store: memory.New(nil), hideOffer: 1}
	h := newHarness(t, store, "alice", testConfig())

	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if n := store.upsertCount(); n != 2 {
		t.Errorf("expected the offer written twice, got %d writes", n)
	}
	if st := h.session.State(); st != StateAwaitingRemoteDescription {
		t.Errorf("expected awaiting-remote-description, got %s", st)
	}
}

func TestStartCall_OfferNeverVisibleIsSignalingError(t *testing.T) {
	store := &flakyStore{Store: memory.New(nil), hideOffer: 2}
	h := newHarness(t, store, "alice", testConfig())

	err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p)
	if KindOf(err) != KindSignaling {
		t.Fatalf("expected signaling error, got %v", err)
	}
	if !errors.Is(err, errOfferNotPersisted) {
		t.Errorf("expected errOfferNotPersisted, got %v", err)
	}
	if n := store.upsertCount(); n != 2 {
		t.Errorf("expected exactly one rewrite, got %d writes", n)
	}
	eventually(t, "devices released", func() bool { return h.src.OpenDevices() == 0 })
}

func TestRemoteStream_RedeliveredOnUnmute(t *testing.T) {
	h := newHarness(t, memory.New(nil), "alice", testConfig())
	if err := h.session.StartCall(context.Background(), "call-1", audioVideo, media.Quality720p); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	src := newPacketSource()
	track := media.NewRemoteTrack("a", media.KindAudio, src, src.Close, nil)
	h.peer.emitTrack(track)

	// The arrival delivery plus one per redelivery step.
	eventually(t, "redelivery schedule", func() bool { return len(h.rec.remoteDeliveries()) >= 3 })
	time.Sleep(30 * time.Millisecond)
	before := len(h.rec.remoteDeliveries())

	src.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}
	eventually(t, "delivery on unmute", func() bool { return len(h.rec.remoteDeliveries()) > before })
	if track.Muted() {
		t.Error("expected the track unmuted")
	}
}
