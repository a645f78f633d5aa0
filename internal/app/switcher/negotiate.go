package switcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/webrtc/v4"
)

// Initialize builds the loopback pipe seeded with input and returns the
// combined stream seen on the output side. Any failure closes both sessions
// and leaves the switcher uninitialized.
func (s *Switcher) Initialize(ctx context.Context, input *core.Stream) (*core.RemoteStream, error) {
	if !input.Valid() {
		return nil, &core.InvalidSourceError{Reason: "stream is nonexistent or has no tracks"}
	}
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateNegotiating)) &&
		!s.state.CompareAndSwap(int32(StateTornDown), int32(StateNegotiating)) {
		return nil, ErrPipeActive
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	p := &pipe{}
	stream, err := s.negotiate(ctx, p, input)
	if err != nil {
		s.abort(p)
		s.logger.Error().Err(err).Str("stream_id", input.ID()).Msg("negotiation failed")
		return nil, err
	}

	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateNegotiating), int32(StateConnected)) {
		s.mu.Unlock()
		s.abort(p)
		return nil, ErrPipeClosed
	}
	s.stream = stream
	s.mu.Unlock()

	go s.monitor(p)

	s.logger.Info().
		Str("stream_id", stream.ID()).
		Int("tracks", len(stream.Tracks())).
		Msg("pipe connected")
	return stream, nil
}

// pipe collects what a negotiation created so a failure can undo exactly that.
type pipe struct {
	input  core.MediaConnection
	output core.MediaConnection
	ctx    context.Context
	cancel context.CancelFunc
	failed chan error
	// resolved is set once Initialize has returned the stream. Candidate
	// errors after that point are only logged.
	resolved atomic.Bool
}

// monitor tears a connected pipe down when either session fails or closes
// underneath it.
func (s *Switcher) monitor(p *pipe) {
	select {
	case <-p.ctx.Done():
	case err := <-p.failed:
		s.lost(p, err)
	}
}

func (s *Switcher) lost(p *pipe, err error) {
	s.mu.Lock()
	if s.input != p.input || s.output != p.output {
		s.mu.Unlock()
		return
	}
	s.input, s.output, s.pipeCancel, s.stream = nil, nil, nil, nil
	s.state.Store(int32(StateTornDown))
	s.mu.Unlock()

	p.cancel()
	p.input.Close()
	p.output.Close()
	s.logger.Error().Err(err).Msg("pipe lost")
}

func (s *Switcher) publish(p *pipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateNegotiating {
		return
	}
	s.input, s.output, s.pipeCancel = p.input, p.output, p.cancel
}

func (s *Switcher) abort(p *pipe) {
	s.mu.Lock()
	if s.input == p.input {
		s.input, s.pipeCancel = nil, nil
	}
	if s.output == p.output {
		s.output = nil
	}
	s.state.CompareAndSwap(int32(StateNegotiating), int32(StateUninitialized))
	s.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.input != nil {
		p.input.Close()
	}
	if p.output != nil {
		p.output.Close()
	}
}

func (s *Switcher) negotiate(ctx context.Context, p *pipe, input *core.Stream) (*core.RemoteStream, error) {
	var err error
	if p.input, err = s.newSession(core.RoleInput); err != nil {
		return nil, fmt.Errorf("create input session: %w", err)
	}
	if p.output, err = s.newSession(core.RoleOutput); err != nil {
		return nil, fmt.Errorf("create output session: %w", err)
	}

	// The pipe outlives this call; candidates keep flowing until Close.
	p.ctx, p.cancel = context.WithCancel(context.Background())
	pipeCtx := p.ctx
	s.publish(p)

	p.failed = make(chan error, 4)
	fail := func(err error) {
		select {
		case p.failed <- err:
		default:
		}
	}

	candidateFail := func(err error) {
		if !p.resolved.Load() {
			fail(err)
		}
	}
	toOutput := newCandidatePump(core.RoleInput, p.output, candidateFail)
	toInput := newCandidatePump(core.RoleOutput, p.input, candidateFail)
	p.input.OnICECandidate(func(ci webrtc.ICECandidateInit) { toOutput.push(pipeCtx, ci) })
	p.output.OnICECandidate(func(ci webrtc.ICECandidateInit) { toInput.push(pipeCtx, ci) })

	arrived := make(chan core.RemoteTrack, 4)
	p.output.OnTrack(func(_ context.Context, track core.RemoteTrack) {
		select {
		case arrived <- track:
		default:
			s.logger.Warn().Str("track_id", track.ID()).Msg("unexpected output track")
		}
	})

	inConnected := s.watch(core.RoleInput, p.input, fail)
	outConnected := s.watch(core.RoleOutput, p.output, fail)

	if err := p.input.Start(pipeCtx); err != nil {
		return nil, fmt.Errorf("start input session: %w", err)
	}
	if err := p.output.Start(pipeCtx); err != nil {
		return nil, fmt.Errorf("start output session: %w", err)
	}

	kinds, err := s.attach(p.input, input)
	if err != nil {
		return nil, err
	}

	go toOutput.run(pipeCtx)
	go toInput.run(pipeCtx)

	offer, err := p.input.CreateAndSetOffer()
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	answer, err := p.output.ApplyOfferAndCreateAnswer(*offer)
	if err != nil {
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	toOutput.open()
	if err := p.input.ApplyAnswer(*answer); err != nil {
		return nil, fmt.Errorf("apply answer: %w", err)
	}
	toInput.open()

	received := make(map[webrtc.RTPCodecType]core.RemoteTrack, len(kinds))
	for len(received) < len(kinds) || inConnected != nil || outConnected != nil {
		select {
		case track := <-arrived:
			if _, want := kinds[track.Kind()]; want {
				received[track.Kind()] = track
			}
		case <-inConnected:
			inConnected = nil
		case <-outConnected:
			outConnected = nil
		case err := <-p.failed:
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("negotiation: %w", ctx.Err())
		}
	}

	p.resolved.Store(true)

	tracks := make([]core.RemoteTrack, 0, len(received))
	for _, t := range received {
		tracks = append(tracks, t)
	}
	return core.NewRemoteStream(input.ID(), tracks...), nil
}

// attach adds one sender per kind. Later tracks of a kind already attached
// are skipped.
func (s *Switcher) attach(in core.MediaConnection, input *core.Stream) (map[webrtc.RTPCodecType]struct{}, error) {
	kinds := make(map[webrtc.RTPCodecType]struct{}, 2)
	for _, track := range input.Tracks() {
		if !core.IsMediaTrack(track) {
			s.logger.Warn().Str("stream_id", input.ID()).Msg("skipping unsupported track")
			continue
		}
		if _, dup := kinds[track.Kind()]; dup {
			s.logger.Warn().
				Str("stream_id", input.ID()).
				Str("kind", track.Kind().String()).
				Str("track_id", track.ID()).
				Msg("skipping second track of kind")
			continue
		}
		if _, err := in.AddLocalTrack(track); err != nil {
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		kinds[track.Kind()] = struct{}{}
	}
	if len(kinds) == 0 {
		return nil, &core.InvalidSourceError{Reason: "stream has no audio or video track"}
	}
	return kinds, nil
}

// watch returns a channel closed once the session reports connected and
// reports failed or closed states through fail.
func (s *Switcher) watch(role core.Role, mc core.MediaConnection, fail func(error)) <-chan struct{} {
	connected := make(chan struct{})
	var once sync.Once
	mc.OnStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			once.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.logger.Warn().Str("role", string(role)).Str("state", st.String()).Msg("session lost")
			fail(fmt.Errorf("%s session %s", role, st))
		}
	})
	return connected
}
