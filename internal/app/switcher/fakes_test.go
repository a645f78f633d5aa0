package switcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errInjected = errors.New("injected failure")

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
	err      error

	// entered/release let a test hold ReplaceTrack open.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSender) Track() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.track
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.track = t
	f.replaced++
	return nil
}

func (f *fakeSender) replacements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaced
}

type fakeRemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (f *fakeRemoteTrack) ID() string                       { return f.id }
func (f *fakeRemoteTrack) StreamID() string                 { return f.streamID }
func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType        { return f.kind }
func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// fakePair plays both ends of a handshake in memory.
type fakePair struct {
	mu       sync.Mutex
	failAt   string
	hang     bool
	input    *fakeSession
	output   *fakeSession
	sessions []*fakeSession
}

func (p *fakePair) factory(role core.Role) (core.MediaConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt == "create-"+string(role) {
		return nil, errInjected
	}
	s := &fakeSession{role: role, pair: p, state: webrtc.PeerConnectionStateNew}
	switch role {
	case core.RoleInput:
		p.input = s
	case core.RoleOutput:
		p.output = s
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakePair) fails(step string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failAt == step
}

// connect moves both sessions to connected and delivers one remote track
// per input sender kind to the output.
func (p *fakePair) connect() {
	p.mu.Lock()
	in, out, hang := p.input, p.output, p.hang
	p.mu.Unlock()
	if hang || p.fails("candidate") {
		return
	}
	if p.fails("session-failed") {
		in.setState(webrtc.PeerConnectionStateFailed)
		return
	}
	in.setState(webrtc.PeerConnectionStateConnecting)
	out.setState(webrtc.PeerConnectionStateConnecting)
	in.setState(webrtc.PeerConnectionStateConnected)
	out.setState(webrtc.PeerConnectionStateConnected)
	for i, sender := range in.Senders() {
		t := sender.Track()
		out.deliver(&fakeRemoteTrack{
			id:       fmt.Sprintf("remote-%d", i),
			streamID: t.StreamID(),
			kind:     t.Kind(),
		})
	}
}

func (p *fakePair) closedAll(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if !s.IsClosed() {
			t.Errorf("%s session left open", s.role)
		}
	}
}

type fakeSession struct {
	role core.Role
	pair *fakePair

	mu         sync.Mutex
	ctx        context.Context
	state      webrtc.PeerConnectionState
	senders    []*fakeSender
	applied    []webrtc.ICECandidateInit
	remoteSet  bool
	closed     bool
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(context.Context, core.RemoteTrack)
	onState    func(webrtc.PeerConnectionState)
	onClosed   func()
	candidates int
}

func (s *fakeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.setState(webrtc.PeerConnectionStateClosed)
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) setState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (s *fakeSession) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if s.pair.fails("candidate") {
		return errInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		return errors.New("no remote description")
	}
	s.applied = append(s.applied, ci)
	return nil
}

func (s *fakeSession) appliedCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.applied...)
}

// gather emits one local candidate.
func (s *fakeSession) gather() {
	s.mu.Lock()
	s.candidates++
	c := fmt.Sprintf("candidate:%s-%d 1 udp 2130706431 127.0.0.1 5000 typ host", s.role, s.candidates)
	fn := s.onICE
	s.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (s *fakeSession) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	if s.pair.fails("offer") {
		return nil, errInjected
	}
	s.gather()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (s *fakeSession) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if s.pair.fails("apply-offer") {
		return nil, errInjected
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, errors.New("not an offer")
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	s.gather()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (s *fakeSession) ApplyAnswer(answer webrtc.SessionDescription) error {
	if s.pair.fails("apply-answer") {
		return errInjected
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return errors.New("not an answer")
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	go s.pair.connect()
	return nil
}

func (s *fakeSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onICE = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *fakeSession) deliver(track core.RemoteTrack) {
	s.mu.Lock()
	fn, ctx := s.onTrack, s.ctx
	s.mu.Unlock()
	if fn != nil {
		fn(ctx, track)
	}
}

func (s *fakeSession) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *fakeSession) AddLocalTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	if s.pair.fails("add-track") {
		return nil, errInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sender := &fakeSender{track: track}
	s.senders = append(s.senders, sender)
	return sender, nil
}

func (s *fakeSession) Senders() []core.TrackSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.TrackSender, 0, len(s.senders))
	for _, sender := range s.senders {
		out = append(out, sender)
	}
	return out
}

func (s *fakeSession) senderOf(kind webrtc.RTPCodecType) *fakeSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sender := range s.senders {
		if t := sender.Track(); t != nil && t.Kind() == kind {
			return sender
		}
	}
	return nil
}

// customTrack is a TrackLocal the switcher does not recognize.
type customTrack struct{}

func (customTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (customTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (customTrack) ID() string                             { return "custom" }
func (customTrack) RID() string                            { return "" }
func (customTrack) StreamID() string                       { return "custom" }
func (customTrack) Kind() webrtc.RTPCodecType              { return webrtc.RTPCodecTypeVideo }

func newTrack(t *testing.T, mime, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "test-stream")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample(%s): %v", mime, err)
	}
	return track
}
