package sfu

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Relay copies every packet of one output track to its viewers. The output
// track outlives source switches, so a relay runs for the whole pipe.
type Relay struct {
	Src core.RemoteTrack

	// rw is touched only by loop.
	rw *rewriter

	mu        sync.RWMutex
	outTracks map[core.ViewerID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src core.RemoteTrack, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		rw:        newRewriter(src.Codec().ClockRate),
		outTracks: make(map[core.ViewerID]*OutTrack),
		cancel:    cancel,
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read ended, stopping")
			r.markAllDelete()
			return
		}
		if r.rw.rewrite(pkt, time.Now()) {
			logger.Info().Msg("source changed upstream, rebased sequence numbers")
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []core.ViewerID
	for viewer, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, viewer)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("viewer", string(viewer)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, viewer)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.ViewerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, viewer := range dirty {
		if ot, ok := r.outTracks[viewer]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, viewer)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// AddOutTrack binds ot to viewer, retiring whatever the viewer had before.
func (r *Relay) AddOutTrack(viewer core.ViewerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[viewer]; ok {
		old.MarkDelete()
	}
	r.outTracks[viewer] = ot
}

func (r *Relay) outTrack(viewer core.ViewerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[viewer]
	return ot, ok
}

// Viewers counts live out tracks.
func (r *Relay) Viewers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}
