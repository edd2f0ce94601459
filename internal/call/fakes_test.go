package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"peercall/native/internal/domain"
	"peercall/native/internal/media"
	"peercall/native/internal/store/memory"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// mockPeer records calls for verification.
type mockPeer struct {
	mu sync.Mutex

	local       *media.LocalStream
	onCandidate func(domain.ICECandidate)
	onTrack     func(*media.RemoteTrack)
	onState     func(domain.ConnectionState)

	offers        []bool
	answers       int
	localDescs    []domain.SessionDescription
	remoteDescs   []domain.SessionDescription
	candidates    []domain.ICECandidate
	hasLocalOffer bool
	state         domain.ConnectionState
	closed        int

	setRemoteErr error
	closePanics  bool
}

func (m *mockPeer) AttachLocalTracks(stream *media.LocalStream, _ media.Quality) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = stream
	return nil
}

func (m *mockPeer) OnICECandidate(fn func(domain.ICECandidate)) {
	m.mu.Lock()
	m.onCandidate = fn
	m.mu.Unlock()
}

func (m *mockPeer) OnRemoteTrack(fn func(*media.RemoteTrack)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *mockPeer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *mockPeer) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, iceRestart)
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d restart=%v", len(m.offers), iceRestart)}, nil
}

func (m *mockPeer) CreateAnswer() (domain.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", m.answers)}, nil
}

func (m *mockPeer) SetLocalDescription(sdp domain.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localDescs = append(m.localDescs, sdp)
	m.hasLocalOffer = sdp.Type == "offer"
	return nil
}

func (m *mockPeer) SetRemoteDescription(sdp domain.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setRemoteErr != nil {
		return m.setRemoteErr
	}
	m.remoteDescs = append(m.remoteDescs, sdp)
	if sdp.Type == "answer" {
		m.hasLocalOffer = false
	}
	return nil
}

func (m *mockPeer) AddRemoteCandidate(c domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *mockPeer) HasLocalOffer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasLocalOffer
}

func (m *mockPeer) ConnectionState() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockPeer) ToggleAudio() bool { return m.toggle(media.KindAudio) }
func (m *mockPeer) ToggleVideo() bool { return m.toggle(media.KindVideo) }

func (m *mockPeer) toggle(kind media.Kind) bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false
	}
	return local.Toggle(kind)
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	m.closed++
	panics := m.closePanics
	m.mu.Unlock()
	if panics {
		panic("peer close exploded")
	}
	return nil
}

func (m *mockPeer) emitState(st domain.ConnectionState) {
	m.mu.Lock()
	m.state = st
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *mockPeer) emitCandidate(c domain.ICECandidate) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (m *mockPeer) emitTrack(t *media.RemoteTrack) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
	t.Start()
}

func (m *mockPeer) restartOffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, restart := range m.offers {
		if restart {
			n++
		}
	}
	return n
}

func (m *mockPeer) remoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remoteDescs)
}

func (m *mockPeer) appliedCandidates() []domain.ICECandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ICECandidate(nil), m.candidates...)
}

// idleSource is an RTPSource that never delivers a packet.
type idleSource struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleSource() *idleSource { return &idleSource{closed: make(chan struct{})} }

func (s *idleSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-s.closed
	return nil, nil, io.EOF
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// packetSource is an RTPSource fed by the test.
type packetSource struct {
	packets chan *rtp.Packet
	once    sync.Once
	closed  chan struct{}
}

func newPacketSource() *packetSource {
	return &packetSource{packets: make(chan *rtp.Packet, 1), closed: make(chan struct{})}
}

func (s *packetSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case p := <-s.packets:
		return p, nil, nil
	case <-s.closed:
		return nil, nil, io.EOF
	}
}

func (s *packetSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// flakyStore fails selected operations of an underlying memory store.
type flakyStore struct {
	*memory.Store
	readErr   error
	deleteErr error

	mu sync.Mutex
	// hideOffer strips the offer from this many reads.
	hideOffer int
	upserts   int
}

func (f *flakyStore) Upsert(ctx context.Context, callID string, update domain.CallUpdate) error {
	f.mu.Lock()
	f.upserts++
	f.mu.Unlock()
	return f.Store.Upsert(ctx, callID, update)
}

func (f *flakyStore) Read(ctx context.Context, callID string) (*domain.CallRecord, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	rec, err := f.Store.Read(ctx, callID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideOffer > 0 {
		f.hideOffer--
		rec.Offer = nil
	}
	return rec, nil
}

func (f *flakyStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func (f *flakyStore) Delete(ctx context.Context, callID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, callID)
}

// recorder collects session callbacks.
type recorder struct {
	mu          sync.Mutex
	errs        []error
	states      []State
	connStates  []domain.ConnectionState
	remoteLens  []int
	localStream *media.LocalStream
}

func (r *recorder) attach(s *Session) {
	s.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	s.OnStateChange(func(st State) {
		r.mu.Lock()
		r.states = append(r.states, st)
		r.mu.Unlock()
	})
	s.OnConnectionStateChange(func(st domain.ConnectionState) {
		r.mu.Lock()
		r.connStates = append(r.connStates, st)
		r.mu.Unlock()
	})
	s.OnRemoteStream(func(rs *media.RemoteStream) {
		r.mu.Lock()
		r.remoteLens = append(r.remoteLens, rs.Len())
		r.mu.Unlock()
	})
	s.OnLocalStream(func(ls *media.LocalStream) {
		r.mu.Lock()
		r.localStream = ls
		r.mu.Unlock()
	})
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) sawState(st State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

func (r *recorder) remoteDeliveries() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.remoteLens...)
}

func testConfig() Config {
	return Config{
		OfferPollAttempts: 3,
		OfferPollInterval: 5 * time.Millisecond,
		OfferVerifyDelay:  time.Millisecond,
		MaxRestarts:       3,
		RestartCooldown:   10 * time.Millisecond,
		RestartDelay:      time.Millisecond,
		RestartSettle:     20 * time.Millisecond,
		DisconnectGrace:   10 * time.Millisecond,
		RemoteRedelivery:  []time.Duration{5 * time.Millisecond, 10 * time.Millisecond},
	}
}

type harness struct {
	session *Session
	peer    *mockPeer
	src     *media.TestSource
	rec     *recorder
}

func newHarness(t *testing.T, store domain.SignalStore, userID string, cfg Config) *harness {
	t.Helper()
	h := &harness{peer: &mockPeer{state: domain.ConnectionStateNew}, src: &media.TestSource{}, rec: &recorder{}}
	h.session = NewSession(Deps{
		Store:   store,
		Media:   media.NewAcquirer(h.src, nil),
		NewPeer: func(context.Context) (domain.Peer, error) { return h.peer, nil },
		UserID:  userID,
	}, cfg)
	h.rec.attach(h.session)
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")

var audioVideo = media.Config{Audio: true, Video: true}
