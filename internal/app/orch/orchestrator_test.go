package orch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/MediaSwitch/internal/adapters/source"
	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/sfu"
	"github.com/dkeye/MediaSwitch/internal/app/switcher"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type blockingTrack struct {
	kind webrtc.RTPCodecType
	done chan struct{}
}

func (b *blockingTrack) ID() string                { return "out-" + b.kind.String() }
func (b *blockingTrack) StreamID() string          { return StreamID }
func (b *blockingTrack) Kind() webrtc.RTPCodecType { return b.kind }
func (b *blockingTrack) Codec() webrtc.RTPCodecParameters {
	mime := webrtc.MimeTypeVP8
	if b.kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime}}
}
func (b *blockingTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-b.done
	return nil, nil, errors.New("track ended")
}

type fakePipe struct {
	mu       sync.Mutex
	state    switcher.PipeState
	stream   *core.RemoteStream
	input    *core.Stream
	switched []webrtc.TrackLocal
	bound    map[webrtc.RTPCodecType]webrtc.TrackLocal
	initErr  error
	// stuck makes SwitchTrack leave the senders alone, like a failed
	// ReplaceTrack.
	stuck bool
	done  chan struct{}
}

func newFakePipe() *fakePipe { return &fakePipe{done: make(chan struct{})} }

func (p *fakePipe) Initialize(_ context.Context, input *core.Stream) (*core.RemoteStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initErr != nil {
		return nil, p.initErr
	}
	p.input = input
	p.bound = make(map[webrtc.RTPCodecType]webrtc.TrackLocal)
	var tracks []core.RemoteTrack
	for _, t := range input.Tracks() {
		tracks = append(tracks, &blockingTrack{kind: t.Kind(), done: p.done})
		p.bound[t.Kind()] = t
	}
	p.stream = core.NewRemoteStream(input.ID(), tracks...)
	p.state = switcher.StateConnected
	return p.stream, nil
}

func (p *fakePipe) SwitchTrack(track webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switched = append(p.switched, track)
	if _, ok := p.bound[track.Kind()]; ok && !p.stuck {
		p.bound[track.Kind()] = track
	}
}

func (p *fakePipe) Bound(kind webrtc.RTPCodecType) (webrtc.TrackLocal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != switcher.StateConnected {
		return nil, false
	}
	t, ok := p.bound[kind]
	return t, ok
}

func (p *fakePipe) State() switcher.PipeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePipe) Stream() (*core.RemoteStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream, p.stream != nil
}

func (p *fakePipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == switcher.StateTornDown {
		return
	}
	p.state = switcher.StateTornDown
	p.stream = nil
	close(p.done)
}

// fakeViewer implements what attach touches; anything else panics.
type fakeViewer struct {
	core.MediaConnection

	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	gathered   bool
	closed     bool
	onClosed   func()
	answerErr  error
}

func (v *fakeViewer) Start(context.Context) error                 { return nil }
func (v *fakeViewer) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (v *fakeViewer) OnClosed(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onClosed = fn
}

func (v *fakeViewer) AddLocalTrack(t webrtc.TrackLocal) (core.TrackSender, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tracks = append(v.tracks, t)
	return nil, nil
}

func (v *fakeViewer) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if v.answerErr != nil {
		return nil, v.answerErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "trickle"}, nil
}

func (v *fakeViewer) ApplyOfferAndGather(context.Context, webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	v.mu.Lock()
	v.gathered = true
	v.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "gathered"}, nil
}

func (v *fakeViewer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.candidates = append(v.candidates, ci)
	return nil
}

func (v *fakeViewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	fn := v.onClosed
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (v *fakeViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

type fixture struct {
	orch    *Orchestrator
	pipe    *fakePipe
	viewers []*fakeViewer
	mu      sync.Mutex
}

type staticSource struct {
	info  domain.SourceInfo
	track *webrtc.TrackLocalStaticSample
}

func newStaticSource(t *testing.T, id domain.SourceID, mime string) *staticSource {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(id), string(id))
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return &staticSource{
		info:  domain.SourceInfo{ID: id, Name: string(id), Kind: domain.KindVideo, Type: domain.TypeIVF, Path: string(id) + ".ivf"},
		track: track,
	}
}

func (s *staticSource) Info() domain.SourceInfo  { return s.info }
func (s *staticSource) Track() webrtc.TrackLocal { return s.track }
func (s *staticSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func newFixture(t *testing.T, extra ...core.Source) *fixture {
	t.Helper()
	var sources []core.Source
	for _, info := range []domain.SourceInfo{
		{ID: "pattern", Kind: domain.KindVideo, Type: domain.TypePattern},
		{ID: "silence", Kind: domain.KindAudio, Type: domain.TypeSilence},
		{ID: "pattern-b", Kind: domain.KindVideo, Type: domain.TypePattern},
	} {
		src, err := source.New(info)
		if err != nil {
			t.Fatalf("source.New(%s): %v", info.ID, err)
		}
		sources = append(sources, src)
	}
	catalog, err := app.NewCatalog(append(sources, extra...)...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	f := &fixture{pipe: newFakePipe()}
	f.orch = &Orchestrator{
		Registry: app.NewRegistry(),
		Catalog:  catalog,
		Pipe:     f.pipe,
		Relays:   sfu.NewRelayManager(),
		Policy:   app.SimplePolicy{Limit: 1},
		NewViewer: func() (ViewerSession, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			v := &fakeViewer{}
			f.viewers = append(f.viewers, v)
			return v, nil
		},
	}
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *fixture) start(t *testing.T) *core.RemoteStream {
	t.Helper()
	stream, err := f.orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return stream
}

var offer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}

func TestStartFeedsActiveSources(t *testing.T) {
	f := newFixture(t)
	stream := f.start(t)

	if len(f.pipe.input.Tracks()) != 2 {
		t.Fatalf("pipe got %d input tracks, want 2", len(f.pipe.input.Tracks()))
	}
	pattern, _ := f.orch.Catalog.Lookup("pattern")
	if got := f.pipe.input.TracksOf(webrtc.RTPCodecTypeVideo); len(got) != 1 || got[0] != pattern.Track() {
		t.Error("first video source not fed into the pipe")
	}
	for _, tr := range stream.Tracks() {
		if !f.orch.Relays.HasRelay(tr.Kind()) {
			t.Errorf("no relay for %s", tr.Kind())
		}
	}
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t)
	f.pipe.initErr = errors.New("ice failed")
	if _, err := f.orch.Start(context.Background()); !errors.Is(err, f.pipe.initErr) {
		t.Fatalf("Start = %v, want wrapped init error", err)
	}
	if f.orch.Relays.HasRelay(webrtc.RTPCodecTypeVideo) {
		t.Error("relay started without a pipe")
	}
}

func TestSelectSwitchesKind(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if err := f.orch.Select("pattern-b"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	b, _ := f.orch.Catalog.Lookup("pattern-b")
	if len(f.pipe.switched) != 1 || f.pipe.switched[0] != b.Track() {
		t.Fatalf("pipe switched to %v", f.pipe.switched)
	}
	st := f.orch.Status()
	if st.Active[domain.KindVideo] != "pattern-b" || st.Active[domain.KindAudio] != "silence" {
		t.Errorf("active = %v", st.Active)
	}
	if st.State != switcher.StateConnected.String() || st.StreamID != StreamID || len(st.Tracks) != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestSelectErrors(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Select("pattern-b"); !errors.Is(err, ErrPipeNotConnected) {
		t.Fatalf("Select before Start = %v", err)
	}
	f.start(t)
	if err := f.orch.Select("nope"); !errors.Is(err, app.ErrUnknownSource) {
		t.Fatalf("Select unknown = %v", err)
	}
	if len(f.pipe.switched) != 0 {
		t.Error("failed select reached the pipe")
	}
}

func TestSelectKeepsCatalogWhenPipeRefuses(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.pipe.stuck = true

	if err := f.orch.Select("pattern-b"); !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("Select with stuck sender = %v, want ErrSwitchFailed", err)
	}
	if got := f.orch.Status().Active[domain.KindVideo]; got != "pattern" {
		t.Errorf("active video = %q, want pattern", got)
	}
	for _, s := range f.orch.Sources() {
		if s.ID == "pattern-b" && s.Active {
			t.Error("catalog lists the refused source as active")
		}
	}

	f.pipe.stuck = false
	if err := f.orch.Select("pattern-b"); err != nil {
		t.Fatalf("Select after recovery: %v", err)
	}
	if got := f.orch.Status().Active[domain.KindVideo]; got != "pattern-b" {
		t.Errorf("active video = %q, want pattern-b", got)
	}
}

func TestSelectRejectsCodecChange(t *testing.T) {
	f := newFixture(t, newStaticSource(t, "clip-vp9", webrtc.MimeTypeVP9), newStaticSource(t, "clip-vp8", webrtc.MimeTypeVP8))
	f.start(t)

	if err := f.orch.Select("clip-vp9"); !errors.Is(err, ErrCodecMismatch) {
		t.Fatalf("Select VP9 over VP8 output = %v, want ErrCodecMismatch", err)
	}
	if len(f.pipe.switched) != 0 {
		t.Error("mismatched source reached the pipe")
	}
	if got := f.orch.Status().Active[domain.KindVideo]; got != "pattern" {
		t.Errorf("active video = %q, want pattern", got)
	}

	if err := f.orch.Select("clip-vp8"); err != nil {
		t.Fatalf("Select same codec: %v", err)
	}
}

func TestAttachViewerSubscribesEveryKind(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	answer, err := f.orch.AttachViewer(context.Background(), "v1", offer, func(webrtc.ICECandidateInit) {})
	if err != nil {
		t.Fatalf("AttachViewer: %v", err)
	}
	if answer.SDP != "trickle" {
		t.Errorf("answer = %q, want trickle answer", answer.SDP)
	}
	v := f.viewers[0]
	if len(v.tracks) != 2 {
		t.Fatalf("viewer got %d tracks, want 2", len(v.tracks))
	}
	viewers := f.orch.Relays.Viewers()
	if viewers[webrtc.RTPCodecTypeAudio] != 1 || viewers[webrtc.RTPCodecTypeVideo] != 1 {
		t.Fatalf("relay viewers = %v", viewers)
	}

	mid := "0"
	if err := f.orch.AddViewerCandidate("v1", webrtc.ICECandidateInit{Candidate: "c", SDPMid: &mid}); err != nil {
		t.Fatalf("AddViewerCandidate: %v", err)
	}
	if err := f.orch.SetMuted("v1", domain.KindAudio, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}

	f.orch.DetachViewer("v1")
	if !v.isClosed() {
		t.Error("viewer session left open")
	}
	if err := f.orch.AddViewerCandidate("v1", webrtc.ICECandidateInit{}); !errors.Is(err, ErrNoViewerMedia) {
		t.Errorf("candidate after detach = %v", err)
	}
	if f.orch.Relays.Viewers()[webrtc.RTPCodecTypeVideo] != 0 {
		t.Error("relay still feeds detached viewer")
	}
}

func TestAttachViewerReplacesSession(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	for i := 0; i < 2; i++ {
		if _, err := f.orch.AttachViewer(context.Background(), "v1", offer, func(webrtc.ICECandidateInit) {}); err != nil {
			t.Fatalf("AttachViewer #%d: %v", i, err)
		}
	}
	if !f.viewers[0].isClosed() || f.viewers[1].isClosed() {
		t.Fatal("old session not replaced by new one")
	}
	if mc, ok := f.orch.Registry.Media("v1"); !ok || mc != core.MediaConnection(f.viewers[1]) {
		t.Fatal("registry does not hold the new session")
	}
	if f.orch.Relays.Viewers()[webrtc.RTPCodecTypeVideo] != 1 {
		t.Error("relay lost the replacement viewer")
	}
}

func TestAttachViewerFailures(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.AttachViewer(context.Background(), "v1", offer, nil); !errors.Is(err, ErrPipeNotConnected) {
		t.Fatalf("attach before Start = %v", err)
	}
	f.start(t)

	f.orch.NewViewer = func() (ViewerSession, error) {
		v := &fakeViewer{answerErr: errors.New("bad sdp")}
		f.viewers = append(f.viewers, v)
		return v, nil
	}
	if _, err := f.orch.AttachViewer(context.Background(), "v1", offer, func(webrtc.ICECandidateInit) {}); err == nil {
		t.Fatal("attach with bad offer succeeded")
	}
	if !f.viewers[len(f.viewers)-1].isClosed() {
		t.Error("failed viewer session left open")
	}
	if _, ok := f.orch.Registry.Media("v1"); ok {
		t.Error("failed viewer registered")
	}
}

func TestWatchGathers(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	vid, answer, err := f.orch.Watch(context.Background(), offer)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if vid == "" || answer.SDP != "gathered" || !f.viewers[0].gathered {
		t.Fatalf("Watch returned %q %q", vid, answer.SDP)
	}
	if f.orch.Status().Viewers != 1 {
		t.Error("watch viewer not counted")
	}
}

type fullSignal struct {
	mu     sync.Mutex
	full   bool
	frames int
}

func (s *fullSignal) TrySend(core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return errors.New("backpressure")
	}
	s.frames++
	return nil
}
func (s *fullSignal) Close() {}

func TestBroadcastKicksSlowViewer(t *testing.T) {
	f := newFixture(t)
	fast, slow := &fullSignal{}, &fullSignal{full: true}
	canceled := false
	f.orch.Registry.BindSignal("fast", fast, func() {})
	f.orch.Registry.BindSignal("slow", slow, func() { canceled = true })

	f.orch.Broadcast(core.Frame(`{"type":"state"}`))
	if _, ok := f.orch.Registry.Signal("slow"); !ok {
		t.Fatal("slow viewer kicked on first miss")
	}
	f.orch.Broadcast(core.Frame(`{"type":"state"}`))
	if _, ok := f.orch.Registry.Signal("slow"); ok || !canceled {
		t.Fatal("slow viewer not kicked")
	}
	if fast.frames != 2 {
		t.Errorf("fast viewer got %d frames", fast.frames)
	}
}
