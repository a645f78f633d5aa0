package switcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const candidateQueueSize = 64

// candidatePump carries candidates discovered by one session to the other.
// Candidates queue up until the target holds a remote description.
type candidatePump struct {
	from   core.Role
	target core.MediaConnection
	queue  chan webrtc.ICECandidateInit
	ready  chan struct{}
	once   sync.Once
	onErr  func(error)
	logger zerolog.Logger
}

func newCandidatePump(from core.Role, target core.MediaConnection, onErr func(error)) *candidatePump {
	return &candidatePump{
		from:   from,
		target: target,
		queue:  make(chan webrtc.ICECandidateInit, candidateQueueSize),
		ready:  make(chan struct{}),
		onErr:  onErr,
		logger: log.With().
			Str("module", "switcher.candidates").
			Str("from", string(from)).
			Logger(),
	}
}

func (p *candidatePump) push(ctx context.Context, ci webrtc.ICECandidateInit) {
	select {
	case p.queue <- ci:
	case <-ctx.Done():
	}
}

// open releases queued candidates to the target.
func (p *candidatePump) open() {
	p.once.Do(func() { close(p.ready) })
}

func (p *candidatePump) run(ctx context.Context) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ci := <-p.queue:
			if err := p.target.AddICECandidate(ci); err != nil {
				p.logger.Error().Err(err).Str("candidate", ci.Candidate).Msg("apply candidate")
				if p.onErr != nil {
					p.onErr(fmt.Errorf("apply %s candidate: %w", p.from, err))
				}
				continue
			}
			p.logger.Debug().Str("candidate", ci.Candidate).Msg("candidate applied")
		}
	}
}
