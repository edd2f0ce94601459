// Package call drives one party of a peer-to-peer call: it acquires media,
// exchanges offer, answer and candidates through a domain.SignalStore, keeps
// the connection alive with bounded ICE restarts and releases every resource
// on teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/media"
	"peercall/native/internal/metrics"
	"peercall/native/internal/queue"
	"peercall/native/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is one party of one call. It is created idle, started once with
// StartCall or JoinCall, and released by EndCall or Close.
type Session struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// events runs application callbacks one at a time, never under mu.
	events *queue.Queue[func()]
	// outbox appends local candidates in gathering order.
	outbox *queue.Queue[domain.ICECandidate]

	mu        sync.Mutex
	role      Role
	callID    string
	state     State
	connState domain.ConnectionState
	startedAt time.Time

	local  *media.LocalStream
	remote *media.RemoteStream
	peer   domain.Peer
	unsubs []domain.Unsubscribe

	seenCandidates map[string]struct{}
	lastOfferSDP   string
	lastAnswerSDP  string
	answered       bool

	restartCount     int
	restartGen       int
	lastRestart      time.Time
	restarting       bool
	recheckScheduled bool
	exhausted        bool
	connectedOnce    bool

	setupTimer      *time.Timer
	disconnectTimer *time.Timer

	hangingUp  bool
	released   bool
	onReleased func(*Session)

	onLocalStream  func(*media.LocalStream)
	onRemoteStream func(*media.RemoteStream)
	onConnState    func(domain.ConnectionState)
	onState        func(State)
	onError        func(error)
}

// NewSession creates an idle session.
func NewSession(deps Deps, cfg Config) *Session {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:           deps,
		cfg:            cfg.withDefaults(),
		log:            log.Named("call").With(zap.String("userId", deps.UserID)),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
		connState:      domain.ConnectionStateNew,
		seenCandidates: make(map[string]struct{}),
	}
	s.events = queue.New(func(fn func()) { fn() })
	s.outbox = queue.New(s.publishCandidate)
	return s
}

func (s *Session) OnLocalStream(fn func(*media.LocalStream)) {
	s.mu.Lock()
	s.onLocalStream = fn
	s.mu.Unlock()
}

// OnRemoteStream may fire many times with the same, growing stream.
func (s *Session) OnRemoteStream(fn func(*media.RemoteStream)) {
	s.mu.Lock()
	s.onRemoteStream = fn
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	s.mu.Lock()
	s.onConnState = fn
	s.mu.Unlock()
}

func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnError receives every *Error the session surfaces.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *Session) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ToggleAudio flips the local audio tracks and returns the new enabled state.
func (s *Session) ToggleAudio() bool { return s.toggle(media.KindAudio) }

// ToggleVideo flips the local video tracks and returns the new enabled state.
func (s *Session) ToggleVideo() bool { return s.toggle(media.KindVideo) }

func (s *Session) toggle(kind media.Kind) bool {
	s.mu.Lock()
	peer, local := s.peer, s.local
	s.mu.Unlock()
	switch {
	case peer != nil && kind == media.KindAudio:
		return peer.ToggleAudio()
	case peer != nil:
		return peer.ToggleVideo()
	case local != nil:
		return local.Toggle(kind)
	}
	return false
}

func (s *Session) IsAudioEnabled() bool { return s.enabled(media.KindAudio) }
func (s *Session) IsVideoEnabled() bool { return s.enabled(media.KindVideo) }

func (s *Session) enabled(kind media.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil && s.local.Enabled(kind)
}

// emit schedules fn on the callback queue. Callers hold mu.
func (s *Session) emit(fn func()) {
	s.events.Push(fn)
}

func (s *Session) setStateLocked(st State) {
	if s.state == st || s.state == StateEnded {
		return
	}
	s.log.Info("state", zap.String("from", string(s.state)), zap.String("to", string(st)))
	s.state = st
	if fn := s.onState; fn != nil {
		s.emit(func() { fn(st) })
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

// fail moves the session to failed and surfaces err. Errors raised after
// release are only logged.
func (s *Session) fail(err *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		s.log.Debug("error after release", zap.Error(err))
		return
	}
	metrics.CallErrorsTotal.WithLabelValues(string(err.Kind)).Inc()
	s.log.Error("call error", zap.String("kind", string(err.Kind)), zap.String("op", err.Op), zap.Error(err.Err))
	s.setStateLocked(StateFailed)
	if fn := s.onError; fn != nil {
		s.emit(func() { fn(err) })
	}
}

// begin claims the session for one call.
func (s *Session) begin(role Role, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSessionClosed
	}
	if s.role != "" {
		return ErrAlreadyStarted
	}
	s.role = role
	s.callID = callID
	s.startedAt = time.Now()
	s.log = s.log.With(zap.String("callId", callID), zap.String("role", string(role)))
	if s.cfg.SetupTimeout > 0 {
		s.setupTimer = time.AfterFunc(s.cfg.SetupTimeout, s.setupExpired)
	}
	metrics.CallsTotal.WithLabelValues(string(role)).Inc()
	metrics.ActiveSessions.Inc()
	return nil
}

// entryContext is cancelled when either ctx or the session ends.
func (s *Session) entryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// abort ends a failed StartCall/JoinCall. The attempt is over, so devices are
// released right away; signaling data stays for the other party.
func (s *Session) abort(ctx context.Context, err *Error) error {
	if ctx.Err() != nil || s.ctx.Err() != nil {
		s.log.Info("call setup cancelled", zap.String("op", err.Op))
		_ = s.release(context.Background(), false)
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return ErrSessionClosed
	}
	s.fail(err)
	if rerr := s.release(context.Background(), false); rerr != nil {
		s.log.Warn("release after failed setup", zap.Error(rerr))
	}
	return err
}

// StartCall runs the caller side until the offer is persisted.
func (s *Session) StartCall(ctx context.Context, callID string, cfg media.Config, quality media.Quality) error {
	if err := s.begin(RoleCaller, callID); err != nil {
		return err
	}
	ctx, done := s.entryContext(ctx)
	defer done()

	s.log.Info("starting call", zap.String("quality", string(quality)))

	peer, err := s.prepare(ctx, cfg, quality)
	if err != nil {
		return s.abort(ctx, err)
	}

	unsub, serr := s.deps.Store.Subscribe(ctx, callID, s.handleRecord)
	if serr != nil {
		return s.abort(ctx, &Error{Kind: KindSignaling, Op: "subscribe call", Err: serr})
	}
	s.addUnsub(unsub)
	if err := s.subscribeCandidates(ctx); err != nil {
		return s.abort(ctx, err)
	}
	s.setState(StateConnectionCreated)

	offer, oerr := peer.CreateOffer(false)
	if oerr != nil {
		return s.abort(ctx, &Error{Kind: KindNegotiation, Op: "create offer", Err: oerr})
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return s.abort(ctx, &Error{Kind: KindNegotiation, Op: "set local offer", Err: err})
	}
	s.mu.Lock()
	s.lastOfferSDP = offer.SDP
	s.mu.Unlock()

	if err := s.publishOffer(ctx, offer, true); err != nil {
		return s.abort(ctx, err)
	}

	s.mu.Lock()
	// The answer may already have been applied during verification.
	if s.state == StateConnectionCreated {
		s.setStateLocked(StateOfferSent)
		s.setStateLocked(StateAwaitingRemoteDescription)
	}
	s.mu.Unlock()
	s.log.Info("offer published, waiting for answer")
	return nil
}

// JoinCall runs the receiver side until the answer is persisted.
func (s *Session) JoinCall(ctx context.Context, callID string, cfg media.Config, quality media.Quality) error {
	if err := s.begin(RoleReceiver, callID); err != nil {
		return err
	}
	ctx, done := s.entryContext(ctx)
	defer done()

	s.log.Info("joining call", zap.String("quality", string(quality)))

	peer, err := s.prepare(ctx, cfg, quality)
	if err != nil {
		return s.abort(ctx, err)
	}
	if err := s.subscribeCandidates(ctx); err != nil {
		return s.abort(ctx, err)
	}
	s.setState(StateConnectionCreated)
	s.setState(StateAwaitingOffer)

	offer, err := s.waitForOffer(ctx)
	if err != nil {
		return s.abort(ctx, err)
	}
	s.setState(StateAwaitingRemoteDescription)

	if err := s.answer(ctx, peer, *offer); err != nil {
		return s.abort(ctx, err)
	}

	unsub, serr := s.deps.Store.Subscribe(ctx, callID, s.handleRecord)
	if serr != nil {
		return s.abort(ctx, &Error{Kind: KindSignaling, Op: "subscribe call", Err: serr})
	}
	s.addUnsub(unsub)

	s.mu.Lock()
	s.answered = true
	if s.state == StateAwaitingRemoteDescription {
		s.setStateLocked(StateNegotiatingCandidates)
	}
	s.mu.Unlock()
	s.log.Info("answer published, waiting for connection")
	return nil
}

// prepare acquires media and builds the peer connection with every handler
// registered.
func (s *Session) prepare(ctx context.Context, cfg media.Config, quality media.Quality) (domain.Peer, *Error) {
	s.setState(StateAcquiringMedia)
	stream, err := s.deps.Media.Acquire(ctx, cfg, quality)
	if err != nil {
		return nil, &Error{Kind: KindMedia, Op: "acquire media", Err: err}
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = stream.Stop()
		return nil, &Error{Kind: KindMedia, Op: "acquire media", Err: ErrSessionClosed}
	}
	s.local = stream
	if fn := s.onLocalStream; fn != nil {
		s.emit(func() { fn(stream) })
	}
	s.mu.Unlock()

	peer, err := s.deps.NewPeer(ctx)
	if err != nil {
		return nil, &Error{Kind: KindNegotiation, Op: "create peer connection", Err: err}
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = peer.Close()
		return nil, &Error{Kind: KindNegotiation, Op: "create peer connection", Err: ErrSessionClosed}
	}
	s.peer = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(c domain.ICECandidate) { s.outbox.Push(c) })
	peer.OnRemoteTrack(s.handleRemoteTrack)
	peer.OnConnectionStateChange(s.handleConnectionState)

	if err := peer.AttachLocalTracks(stream, quality); err != nil {
		return nil, &Error{Kind: KindNegotiation, Op: "attach local tracks", Err: err}
	}
	return peer, nil
}

func (s *Session) addUnsub(u domain.Unsubscribe) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		u()
		return
	}
	s.unsubs = append(s.unsubs, u)
	s.mu.Unlock()
}

func (s *Session) currentPeer() domain.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// publishOffer writes offer, reads it back after OfferVerifyDelay and
// rewrites once if the read-back does not show it. A fresh attempt also
// drops the answer a previous attempt on the same call id left behind.
func (s *Session) publishOffer(ctx context.Context, offer domain.SessionDescription, fresh bool) *Error {
	update := domain.CallUpdate{Offer: &offer}
	if fresh {
		update.Status = domain.CallStatusRinging
		update.ClearAnswer = true
	}

	err := retry.Do(ctx, retry.Fixed(2, 0), func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.log.Warn("offer not visible after write, rewriting")
		}
		if err := s.deps.Store.Upsert(ctx, s.callID, update); err != nil {
			return err
		}
		if err := retry.Sleep(ctx, s.cfg.OfferVerifyDelay); err != nil {
			return retry.Permanent(err)
		}
		rec, err := s.deps.Store.Read(ctx, s.callID)
		if err != nil {
			return err
		}
		if rec.Offer == nil || rec.Offer.SDP != offer.SDP {
			return errOfferNotPersisted
		}
		return nil
	})
	if err != nil {
		return &Error{Kind: KindSignaling, Op: "publish offer", Err: err}
	}
	return nil
}

// waitForOffer polls the record until it carries an offer of a call that has
// not ended. A budget spent without ever reaching the store is a signaling
// error, not a timeout.
func (s *Session) waitForOffer(ctx context.Context) (*domain.SessionDescription, *Error) {
	var (
		offer   *domain.SessionDescription
		reached bool
		tries   int
	)
	policy := retry.Fixed(s.cfg.OfferPollAttempts, s.cfg.OfferPollInterval)
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		tries = attempt
		rec, err := s.deps.Store.Read(ctx, s.callID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			reached = true
			return ErrOfferNeverArrived
		case err != nil:
			s.log.Debug("offer read failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		case rec.Offer == nil:
			reached = true
			return ErrOfferNeverArrived
		case rec.Status == domain.CallStatusEnded:
			reached = true
			s.log.Debug("record belongs to an ended call, waiting for a new offer", zap.Int("attempt", attempt))
			return ErrOfferNeverArrived
		}
		reached = true
		offer = rec.Offer
		return nil
	})
	metrics.OfferWaitAttempts.Observe(float64(tries))

	switch {
	case err == nil:
		s.log.Info("offer received", zap.Int("attempts", tries))
		return offer, nil
	case ctx.Err() != nil:
		return nil, &Error{Kind: KindOfferTimeout, Op: "wait for offer", Err: ctx.Err()}
	case !reached:
		return nil, &Error{Kind: KindSignaling, Op: "wait for offer", Err: err}
	default:
		return nil, &Error{
			Kind: KindOfferTimeout,
			Op:   "wait for offer",
			Err:  fmt.Errorf("%w after %d attempts over %s", ErrOfferNeverArrived, tries, policy.Total()),
		}
	}
}

// answer applies offer and persists the answer.
func (s *Session) answer(ctx context.Context, peer domain.Peer, offer domain.SessionDescription) *Error {
	if err := peer.SetRemoteDescription(offer); err != nil {
		return &Error{Kind: KindNegotiation, Op: "set remote offer", Err: err}
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		return &Error{Kind: KindNegotiation, Op: "create answer", Err: err}
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return &Error{Kind: KindNegotiation, Op: "set local answer", Err: err}
	}
	if err := s.deps.Store.Upsert(ctx, s.callID, domain.CallUpdate{Answer: &answer}); err != nil {
		return &Error{Kind: KindSignaling, Op: "publish answer", Err: err}
	}

	s.mu.Lock()
	s.lastOfferSDP = offer.SDP
	s.mu.Unlock()
	return nil
}

// handleRecord reacts to every snapshot of the call record.
func (s *Session) handleRecord(rec domain.CallRecord) {
	s.mu.Lock()
	if s.released || s.hangingUp {
		s.mu.Unlock()
		return
	}
	role := s.role
	peer := s.peer
	lastOffer := s.lastOfferSDP
	lastAnswer := s.lastAnswerSDP
	answered := s.answered
	s.mu.Unlock()
	if peer == nil {
		return
	}

	switch role {
	case RoleCaller:
		// Only an answer stored next to the current offer belongs to it.
		ownOffer := rec.Offer != nil && rec.Offer.SDP == lastOffer
		if ownOffer && rec.Answer != nil && rec.Answer.SDP != lastAnswer && peer.HasLocalOffer() {
			s.applyAnswer(peer, *rec.Answer)
		}
	case RoleReceiver:
		if answered && rec.Offer != nil && rec.Offer.SDP != lastOffer {
			s.log.Info("offer changed, renegotiating")
			if err := s.answer(s.ctx, peer, *rec.Offer); err != nil {
				s.fail(err)
				return
			}
			lastOffer = rec.Offer.SDP
		}
	}

	if rec.Status == domain.CallStatusEnded {
		ownRound := rec.Offer != nil && rec.Offer.SDP == lastOffer
		if role == RoleReceiver || ownRound {
			s.log.Info("remote party ended the call")
			go func() {
				if err := s.release(context.Background(), false); err != nil {
					s.log.Warn("release after remote hangup", zap.Error(err))
				}
			}()
		}
	}
}

func (s *Session) applyAnswer(peer domain.Peer, answer domain.SessionDescription) {
	if err := peer.SetRemoteDescription(answer); err != nil {
		s.fail(&Error{Kind: KindNegotiation, Op: "set remote answer", Err: err})
		return
	}
	s.log.Info("answer applied")

	s.mu.Lock()
	s.lastAnswerSDP = answer.SDP
	if s.state == StateAwaitingRemoteDescription || s.state == StateOfferSent || s.state == StateConnectionCreated {
		s.setStateLocked(StateNegotiatingCandidates)
	}
	s.mu.Unlock()
}

func (s *Session) subscribeCandidates(ctx context.Context) *Error {
	unsub, err := s.deps.Store.SubscribeCandidates(ctx, s.callID, s.handleRemoteCandidate)
	if err != nil {
		return &Error{Kind: KindSignaling, Op: "subscribe candidates", Err: err}
	}
	s.addUnsub(unsub)
	return nil
}

func (s *Session) publishCandidate(c domain.ICECandidate) {
	rec := domain.CandidateRecord{
		ID:        uuid.NewString(),
		Candidate: c,
		UserID:    s.deps.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.deps.Store.AppendCandidate(s.ctx, s.callID, rec); err != nil {
		metrics.CandidatesSentTotal.WithLabelValues("error").Inc()
		s.log.Warn("could not publish local candidate", zap.Error(err))
		return
	}
	metrics.CandidatesSentTotal.WithLabelValues("ok").Inc()
}

// handleRemoteCandidate applies candidates of the other party in delivery
// order. Own and already-seen candidates are skipped.
func (s *Session) handleRemoteCandidate(rec domain.CandidateRecord) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if rec.UserID == s.deps.UserID {
		s.mu.Unlock()
		metrics.CandidatesReceivedTotal.WithLabelValues("self").Inc()
		return
	}
	if rec.ID != "" {
		if _, dup := s.seenCandidates[rec.ID]; dup {
			s.mu.Unlock()
			metrics.CandidatesReceivedTotal.WithLabelValues("duplicate").Inc()
			return
		}
		s.seenCandidates[rec.ID] = struct{}{}
	}
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return
	}

	if err := peer.AddRemoteCandidate(rec.Candidate); err != nil {
		metrics.CandidatesReceivedTotal.WithLabelValues("error").Inc()
		s.log.Warn("remote candidate rejected", zap.String("candidateId", rec.ID), zap.Error(err))
		return
	}
	metrics.CandidatesReceivedTotal.WithLabelValues("applied").Inc()
}

func (s *Session) handleRemoteTrack(t *media.RemoteTrack) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = t.Stop()
		return
	}
	if s.remote == nil {
		s.remote = media.NewRemoteStream(s.callID)
	}
	added := s.remote.Add(t)
	s.mu.Unlock()
	if !added {
		return
	}

	s.log.Info("remote track added", zap.String("track", t.ID()), zap.String("kind", string(t.Kind())))
	t.OnUnmute(func() { s.notifyRemote("unmute") })
	s.notifyRemote("track")
	for _, d := range s.cfg.RemoteRedelivery {
		go func(d time.Duration) {
			if retry.Sleep(s.ctx, d) == nil {
				s.notifyRemote("redelivery")
			}
		}(d)
	}
}

func (s *Session) notifyRemote(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.remote == nil || s.remote.Len() == 0 {
		return
	}
	fn := s.onRemoteStream
	if fn == nil {
		return
	}
	stream := s.remote
	s.log.Debug("delivering remote stream", zap.String("reason", reason), zap.Int("tracks", stream.Len()))
	s.emit(func() { fn(stream) })
}

func (s *Session) handleConnectionState(state domain.ConnectionState) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.connState = state
	if fn := s.onConnState; fn != nil {
		s.emit(func() { fn(state) })
	}
	if state != domain.ConnectionStateDisconnected && s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}

	switch state {
	case domain.ConnectionStateConnected:
		if s.restartCount > 0 {
			s.log.Info("connection recovered, restart budget reset", zap.Int("restarts", s.restartCount))
		}
		s.restartCount = 0
		s.restarting = false
		s.restartGen++
		s.exhausted = false
		first := !s.connectedOnce
		s.connectedOnce = true
		if s.setupTimer != nil {
			s.setupTimer.Stop()
			s.setupTimer = nil
		}
		s.setStateLocked(StateConnected)
		role := s.role
		if first {
			metrics.SetupDuration.WithLabelValues(string(role)).Observe(float64(time.Since(s.startedAt).Milliseconds()))
		}
		s.mu.Unlock()

		s.notifyRemote("connected")
		if first && role == RoleCaller {
			if err := s.deps.Store.Upsert(s.ctx, s.callID, domain.CallUpdate{Status: domain.CallStatusConnected}); err != nil {
				s.log.Warn("could not mark call connected", zap.Error(err))
			}
		}
		return

	case domain.ConnectionStateDisconnected:
		if s.disconnectTimer == nil {
			s.log.Warn("connection disconnected, waiting for recovery", zap.Duration("grace", s.cfg.DisconnectGrace))
			s.disconnectTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.disconnectGraceExpired)
		}
		s.mu.Unlock()
		return

	case domain.ConnectionStateFailed:
		s.mu.Unlock()
		s.handleFailure()
		return
	}
	s.mu.Unlock()
}

func (s *Session) disconnectGraceExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectTimer = nil
	if s.released || s.connState != domain.ConnectionStateDisconnected {
		return
	}
	s.log.Warn("connection still disconnected after grace period")
}

func (s *Session) setupExpired() {
	s.mu.Lock()
	s.setupTimer = nil
	if s.released || s.connectedOnce {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(&Error{Kind: KindSetupTimeout, Op: "connect", Err: fmt.Errorf("%w after %s", ErrSetupTimeout, s.cfg.SetupTimeout)})
}

// EndCall is an explicit hangup: it marks the record ended for the other
// party, then releases everything. deleteSignalingData also removes the
// record and its candidates.
func (s *Session) EndCall(ctx context.Context, deleteSignalingData bool) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.hangingUp = true
	callID := s.callID
	s.mu.Unlock()

	if callID != "" {
		if err := s.deps.Store.Upsert(ctx, callID, domain.CallUpdate{Status: domain.CallStatusEnded}); err != nil {
			s.log.Warn("could not mark call ended", zap.Error(err))
		}
	}
	return s.release(ctx, deleteSignalingData)
}

// Close releases the session without touching signaling data, for teardown
// that is not a hangup.
func (s *Session) Close() error {
	return s.release(context.Background(), false)
}
