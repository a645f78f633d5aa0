// Package switcher keeps one output stream alive while the tracks feeding it
// are swapped underneath.
//
// A Switcher owns two sessions joined back to back in the same process. The
// input session carries one sender per kind; the output session delivers the
// combined stream to consumers. Initialize negotiates the pair once, after
// which SwitchTrack and SwitchStream replace the track bound to a sender
// without touching the session description.
package switcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrPipeActive = errors.New("pipe already negotiating or connected")
	ErrPipeClosed = errors.New("pipe closed during negotiation")
)

// SessionFactory creates one end of the pipe.
type SessionFactory func(role core.Role) (core.MediaConnection, error)

type Switcher struct {
	newSession SessionFactory
	timeout    time.Duration
	logger     zerolog.Logger

	state atomic.Int32

	mu         sync.RWMutex
	input      core.MediaConnection
	output     core.MediaConnection
	stream     *core.RemoteStream
	pipeCancel context.CancelFunc

	// one lock per kind: switches of different kinds never wait on each other
	kindLocks map[webrtc.RTPCodecType]*sync.Mutex
}

// New returns an uninitialized switcher. A zero timeout lets negotiation
// run until the caller's context ends.
func New(factory SessionFactory, timeout time.Duration) *Switcher {
	return &Switcher{
		newSession: factory,
		timeout:    timeout,
		logger:     log.With().Str("module", "switcher").Logger(),
		kindLocks: map[webrtc.RTPCodecType]*sync.Mutex{
			webrtc.RTPCodecTypeAudio: {},
			webrtc.RTPCodecTypeVideo: {},
		},
	}
}

func (s *Switcher) State() PipeState {
	return PipeState(s.state.Load())
}

// Stream returns the combined output stream once the pipe is connected.
func (s *Switcher) Stream() (*core.RemoteStream, bool) {
	if s.State() != StateConnected {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream, s.stream != nil
}

// ready is the single entry guard for switches: both sessions exist and
// both report connected. It returns the input session.
func (s *Switcher) ready() (core.MediaConnection, bool) {
	s.mu.RLock()
	in, out := s.input, s.output
	s.mu.RUnlock()
	if in == nil || out == nil {
		return nil, false
	}
	if in.ConnectionState() != webrtc.PeerConnectionStateConnected ||
		out.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return nil, false
	}
	return in, true
}

// SwitchStream switches every track of stream. Invalid input or a pipe that
// is not connected is ignored.
func (s *Switcher) SwitchStream(stream *core.Stream) {
	if !stream.Valid() {
		s.logger.Debug().Msg("switch stream ignored: invalid stream")
		return
	}
	if _, ok := s.ready(); !ok {
		s.logger.Debug().Str("stream_id", stream.ID()).Msg("switch stream ignored: pipe not ready")
		return
	}
	for _, track := range stream.Tracks() {
		s.SwitchTrack(track)
	}
}

// SwitchTrack replaces the track bound to the input sender of the same kind.
// It never adds a sender and never renegotiates. Invalid input or a pipe that
// is not connected is ignored.
func (s *Switcher) SwitchTrack(track webrtc.TrackLocal) {
	if !core.IsMediaTrack(track) {
		s.logger.Debug().Msg("switch track ignored: not a media track")
		return
	}
	in, ok := s.ready()
	if !ok {
		s.logger.Debug().Str("track_id", track.ID()).Msg("switch track ignored: pipe not ready")
		return
	}

	kind := track.Kind()
	mu := s.kindLocks[kind]
	mu.Lock()
	defer mu.Unlock()

	for _, sender := range in.Senders() {
		current := sender.Track()
		if current == nil || current.Kind() != kind {
			continue
		}
		if current == track {
			return
		}
		if err := sender.ReplaceTrack(track); err != nil {
			s.logger.Warn().
				Err(err).
				Str("kind", kind.String()).
				Str("track_id", track.ID()).
				Msg("replace track failed")
			return
		}
		s.logger.Info().
			Str("kind", kind.String()).
			Str("from", current.ID()).
			Str("to", track.ID()).
			Msg("track switched")
		return
	}
	s.logger.Debug().Str("kind", kind.String()).Msg("switch track ignored: no sender for kind")
}

// Bound returns the track the input sender of kind currently carries. It
// reports false when the pipe is not connected or has no sender of kind.
func (s *Switcher) Bound(kind webrtc.RTPCodecType) (webrtc.TrackLocal, bool) {
	in, ok := s.ready()
	if !ok {
		return nil, false
	}
	for _, sender := range in.Senders() {
		if current := sender.Track(); current != nil && current.Kind() == kind {
			return current, true
		}
	}
	return nil, false
}

// Close tears the pipe down. Later switches are no-ops; Initialize may run
// again.
func (s *Switcher) Close() {
	s.mu.Lock()
	in, out, cancel := s.input, s.output, s.pipeCancel
	s.input, s.output, s.pipeCancel, s.stream = nil, nil, nil, nil
	s.state.Store(int32(StateTornDown))
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if in != nil {
		in.Close()
	}
	if out != nil {
		out.Close()
	}
	s.logger.Info().Msg("pipe torn down")
}
