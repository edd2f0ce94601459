package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"peercall/native/internal/domain"
	"peercall/native/internal/media"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Options configures every peer connection built by a Factory.
type Options struct {
	ICEServers []domain.ICEServer
	// Net replaces the OS network, e.g. with a vnet in tests.
	Net transport.Net
	// DisableMDNS turns off mDNS host candidate obfuscation.
	DisableMDNS   bool
	LoggerFactory logging.LoggerFactory
	Logger        *zap.Logger
}

// NewAPI builds a pion API with Opus/VP8 and the NACK, RTCP report and PLI
// interceptors registered.
func NewAPI(opts Options) (*pion.API, error) {
	m := &pion.MediaEngine{}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	videoFeedback := []pion.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	vp8Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pliFactory)

	se := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.DisableMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}

// Factory returns a domain.PeerFactory sharing one API between calls.
func Factory(opts Options) (domain.PeerFactory, error) {
	api, err := NewAPI(opts)
	if err != nil {
		return nil, err
	}
	return func(context.Context) (domain.Peer, error) {
		return NewPeer(api, opts)
	}, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc  *pion.PeerConnection
	log *zap.Logger

	mu            sync.Mutex
	local         *media.LocalStream
	remoteDescSet bool
	pending       []domain.ICECandidate

	cbMu          sync.RWMutex
	onCandidate   func(domain.ICECandidate)
	onRemoteTrack func(*media.RemoteTrack)
	onState       func(domain.ConnectionState)

	closeOnce sync.Once
	closeErr  error
}

// NewPeer creates a PeerConnection configured with opts.ICEServers.
func NewPeer(api *pion.API, opts Options) (*Peer, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("peer")

	var servers []pion.ICEServer
	for _, s := range opts.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc, log: log}

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnTrack(p.handleTrack)
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug("ICE connection state", zap.String("state", state.String()))
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Info("peer connection state", zap.String("state", state.String()))
		p.cbMu.RLock()
		fn := p.onState
		p.cbMu.RUnlock()
		if fn != nil {
			fn(mapState(state))
		}
	})

	return p, nil
}

// AttachLocalTracks adds every track of stream and applies the sender
// bitrate caps. A cap that cannot be applied is logged, not returned.
func (p *Peer) AttachLocalTracks(stream *media.LocalStream, quality media.Quality) error {
	preset, _ := media.PresetFor(quality)

	p.mu.Lock()
	p.local = stream
	p.mu.Unlock()

	for _, t := range stream.Tracks() {
		sender, err := p.pc.AddTrack(t.TrackLocal())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go p.readRTCP(sender)

		bitrate := media.AudioBitrate
		if t.Kind() == media.KindVideo {
			bitrate = preset.Bitrate
		}
		if err := t.SetMaxBitrate(bitrate); err != nil {
			p.log.Warn("could not apply sender bitrate", zap.String("kind", string(t.Kind())), zap.Error(err))
			continue
		}
		p.log.Debug("added local track", zap.String("kind", string(t.Kind())), zap.Int("maxBitrate", bitrate))
	}
	return nil
}

// readRTCP drains the sender so interceptors see incoming feedback.
func (p *Peer) readRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.cbMu.Lock()
	p.onCandidate = fn
	p.cbMu.Unlock()
}

func (p *Peer) OnRemoteTrack(fn func(*media.RemoteTrack)) {
	p.cbMu.Lock()
	p.onRemoteTrack = fn
	p.cbMu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.cbMu.Lock()
	p.onState = fn
	p.cbMu.Unlock()
}

func (p *Peer) handleICECandidate(c *pion.ICECandidate) {
	if c == nil {
		p.log.Debug("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		p.log.Debug("filtering loopback ICE candidate")
		return
	}

	p.cbMu.RLock()
	fn := p.onCandidate
	p.cbMu.RUnlock()
	if fn == nil {
		return
	}

	p.log.Debug("local ICE candidate", zap.String("candidate", init.Candidate))
	fn(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (p *Peer) handleTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	codec := track.Codec()
	p.log.Info("got remote track",
		zap.String("kind", track.Kind().String()),
		zap.String("codec", codec.MimeType),
		zap.Uint8("pt", uint8(codec.PayloadType)),
	)

	kind := media.KindAudio
	if track.Kind() == pion.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	id := track.ID()
	if id == "" {
		id = fmt.Sprintf("%s-%d", kind, track.SSRC())
	}
	rt := media.NewRemoteTrack(id, kind, track, receiver.Stop, p.log)

	p.cbMu.RLock()
	fn := p.onRemoteTrack
	p.cbMu.RUnlock()
	if fn != nil {
		fn(rt)
	}
	rt.Start()
}

// CreateOffer creates an offer; iceRestart regenerates ICE credentials.
func (p *Peer) CreateOffer(iceRestart bool) (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&pion.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w: %w", domain.ErrNegotiation, err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w: %w", domain.ErrNegotiation, err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *Peer) SetLocalDescription(sdp domain.SessionDescription) error {
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w: %w", domain.ErrNegotiation, err)
	}
	p.log.Debug("local description set", zap.String("type", sdp.Type))
	return nil
}

// SetRemoteDescription applies sdp and then every candidate that arrived
// before it, in arrival order.
func (p *Peer) SetRemoteDescription(sdp domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w: %w", domain.ErrNegotiation, err)
	}
	p.log.Debug("remote description set", zap.String("type", sdp.Type))

	if p.remoteDescSet {
		return nil
	}
	p.remoteDescSet = true

	pending := p.pending
	p.pending = nil
	var errs []error
	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		p.log.Debug("flushed buffered ICE candidates", zap.Int("count", len(pending)))
	}
	if len(errs) > 0 {
		p.log.Warn("buffered ICE candidates rejected", zap.Error(errors.Join(errs...)))
	}
	return nil
}

// AddRemoteCandidate applies c, or buffers it until the remote description is set.
func (p *Peer) AddRemoteCandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.remoteDescSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.addCandidate(c)
}

func (p *Peer) addCandidate(c domain.ICECandidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w: %w", domain.ErrNegotiation, err)
	}
	return nil
}

// PendingCandidates is the number of candidates waiting for a remote description.
func (p *Peer) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) HasLocalOffer() bool {
	return p.pc.SignalingState() == pion.SignalingStateHaveLocalOffer
}

func (p *Peer) ConnectionState() domain.ConnectionState {
	return mapState(p.pc.ConnectionState())
}

// ToggleAudio flips the enabled flag of the local audio tracks. Tracks are never stopped.
func (p *Peer) ToggleAudio() bool { return p.toggle(media.KindAudio) }

// ToggleVideo flips the enabled flag of the local video tracks. Tracks are never stopped.
func (p *Peer) ToggleVideo() bool { return p.toggle(media.KindVideo) }

func (p *Peer) toggle(kind media.Kind) bool {
	p.mu.Lock()
	local := p.local
	p.mu.Unlock()
	if local == nil {
		return false
	}
	enabled := local.Toggle(kind)
	p.log.Info("local track toggled", zap.String("kind", string(kind)), zap.Bool("enabled", enabled))
	return enabled
}

// Close shuts down the PeerConnection. Safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
		p.log.Debug("peer connection closed")
	})
	return p.closeErr
}

func mapState(state pion.PeerConnectionState) domain.ConnectionState {
	switch state {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
