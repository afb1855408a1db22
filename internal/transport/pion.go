package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"family-calls/internal/calls"
)

type Config struct {
	ICEServers []string
	// Video adds a video transceiver next to audio.
	Video bool
	// DisconnectedTimeout is how long ICE may stay disconnected before failing.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.ICEServers) == 0 {
		c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = 30 * time.Second
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = 120 * time.Second
	}
	return c
}

// PionPeer implements Peer over pion/webrtc. No local media is captured; the
// transceivers are receive-only so the SDP always carries ICE credentials.
type PionPeer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	state       State
	onCandidate func(calls.Candidate)
	onState     func(State)
	held        []calls.Candidate
	closeOnce   sync.Once
	closeErr    error
}

func NewPionPeer(cfg Config, log *slog.Logger) (*PionPeer, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, &calls.TransportError{Op: "register codecs", Err: err}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, &calls.TransportError{Op: "register interceptors", Err: err}
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
	})
	if err != nil {
		return nil, &calls.TransportError{Op: "new peer connection", Err: err}
	}

	p := &PionPeer{pc: pc, log: log, state: StateNew}
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if cfg.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, &calls.TransportError{Op: "add transceiver", Err: err}
		}
	}

	pc.OnICECandidate(p.handleCandidate)
	pc.OnICEConnectionStateChange(p.handleState)
	return p, nil
}

func (p *PionPeer) CreateOffer() (calls.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return calls.SessionDescription{}, &calls.TransportError{Op: "create offer", Err: err}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return calls.SessionDescription{}, &calls.TransportError{Op: "set local offer", Err: err}
	}
	return fromSDP(offer), nil
}

func (p *PionPeer) AcceptOffer(offer calls.SessionDescription) (calls.SessionDescription, error) {
	if err := p.setRemote(webrtc.SDPTypeOffer, offer); err != nil {
		return calls.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return calls.SessionDescription{}, &calls.TransportError{Op: "create answer", Err: err}
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return calls.SessionDescription{}, &calls.TransportError{Op: "set local answer", Err: err}
	}
	return fromSDP(answer), nil
}

func (p *PionPeer) AcceptAnswer(answer calls.SessionDescription) error {
	return p.setRemote(webrtc.SDPTypeAnswer, answer)
}

func (p *PionPeer) AddRemoteCandidate(c calls.Candidate) error {
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.held = append(p.held, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(toInit(c)); err != nil {
		return &calls.TransportError{Op: "add candidate", Err: err}
	}
	return nil
}

func (p *PionPeer) OnLocalCandidate(fn func(calls.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PionPeer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PionPeer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.onCandidate = nil
		p.held = nil
		p.mu.Unlock()
		if err := p.pc.Close(); err != nil {
			p.closeErr = &calls.TransportError{Op: "close", Err: err}
		}
	})
	return p.closeErr
}

func (p *PionPeer) setRemote(t webrtc.SDPType, d calls.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP}); err != nil {
		return &calls.TransportError{Op: "set remote " + t.String(), Err: err}
	}
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	for _, c := range held {
		if err := p.pc.AddICECandidate(toInit(c)); err != nil {
			p.log.Warn("held remote candidate rejected", "err", err)
		}
	}
	return nil
}

func (p *PionPeer) handleCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(fromInit(c.ToJSON()))
	}
}

func (p *PionPeer) handleState(s webrtc.ICEConnectionState) {
	st := mapState(s)
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = st
	fn := p.onState
	p.mu.Unlock()
	p.log.Debug("ice connection state", "state", st)
	if fn != nil {
		fn(st)
	}
}

func mapState(s webrtc.ICEConnectionState) State {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateChecking
	case webrtc.ICEConnectionStateConnected:
		return StateConnected
	case webrtc.ICEConnectionStateCompleted:
		return StateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func fromSDP(d webrtc.SessionDescription) calls.SessionDescription {
	return calls.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromInit(i webrtc.ICECandidateInit) calls.Candidate {
	return calls.Candidate{
		Candidate:        i.Candidate,
		SDPMid:           i.SDPMid,
		SDPMLineIndex:    i.SDPMLineIndex,
		UsernameFragment: i.UsernameFragment,
	}
}

func toInit(c calls.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
