package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ViewerSession is a viewer-facing peer connection.
type ViewerSession interface {
	core.MediaConnection
	// ApplyOfferAndGather answers offer once local gathering is complete.
	ApplyOfferAndGather(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
}

type ViewerFactory func() (ViewerSession, error)

// AttachViewer answers a viewer offer with tracks fed from the pipe output.
// Local candidates trickle out through onCandidate.
func (o *Orchestrator) AttachViewer(
	ctx context.Context,
	vid core.ViewerID,
	offer webrtc.SessionDescription,
	onCandidate func(webrtc.ICECandidateInit),
) (*webrtc.SessionDescription, error) {
	return o.attach(ctx, vid, offer, onCandidate)
}

// Watch answers an offer from a viewer that does not trickle. The answer
// carries every local candidate.
func (o *Orchestrator) Watch(ctx context.Context, offer webrtc.SessionDescription) (core.ViewerID, *webrtc.SessionDescription, error) {
	vid := core.ViewerID(uuid.NewString())
	answer, err := o.attach(ctx, vid, offer, nil)
	if err != nil {
		return "", nil, err
	}
	return vid, answer, nil
}

func (o *Orchestrator) attach(
	ctx context.Context,
	vid core.ViewerID,
	offer webrtc.SessionDescription,
	onCandidate func(webrtc.ICECandidateInit),
) (*webrtc.SessionDescription, error) {
	logger := log.With().Str("module", "orch").Str("viewer", string(vid)).Logger()

	remote, ok := o.Pipe.Stream()
	if !ok {
		return nil, ErrPipeNotConnected
	}

	vs, err := o.NewViewer()
	if err != nil {
		return nil, fmt.Errorf("create viewer session: %w", err)
	}
	if onCandidate != nil {
		vs.OnICECandidate(onCandidate)
	}
	vs.OnClosed(func() { o.detach(vid, vs) })

	if err := vs.Start(context.Background()); err != nil {
		vs.Close()
		return nil, fmt.Errorf("start viewer session: %w", err)
	}

	locals := make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP, 2)
	for _, track := range remote.Tracks() {
		local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, track.Kind().String(), remote.ID())
		if err != nil {
			vs.Close()
			return nil, fmt.Errorf("create %s viewer track: %w", track.Kind(), err)
		}
		if _, err := vs.AddLocalTrack(local); err != nil {
			vs.Close()
			return nil, fmt.Errorf("add %s viewer track: %w", track.Kind(), err)
		}
		locals[track.Kind()] = local
	}

	var answer *webrtc.SessionDescription
	if onCandidate != nil {
		answer, err = vs.ApplyOfferAndCreateAnswer(offer)
	} else {
		answer, err = vs.ApplyOfferAndGather(ctx, offer)
	}
	if err != nil {
		vs.Close()
		return nil, fmt.Errorf("answer viewer offer: %w", err)
	}

	if old := o.Registry.BindMedia(vid, vs); old != nil {
		logger.Info().Msg("replacing viewer media session")
		o.Relays.MarkSubscriberDelete(vid)
		old.Close()
	}
	for kind, local := range locals {
		if !o.Relays.Subscribe(kind, vid, local) {
			logger.Warn().Str("kind", kind.String()).Msg("no relay for kind")
		}
	}
	logger.Info().Int("tracks", len(locals)).Msg("viewer attached")
	return answer, nil
}

// DetachViewer closes the media session of vid, keeping its signaling.
func (o *Orchestrator) DetachViewer(vid core.ViewerID) {
	o.detach(vid, nil)
}

func (o *Orchestrator) detach(vid core.ViewerID, mc core.MediaConnection) {
	old := o.Registry.UnbindMedia(vid, mc)
	if old == nil {
		return
	}
	o.Relays.MarkSubscriberDelete(vid)
	old.Close()
	log.Info().Str("module", "orch").Str("viewer", string(vid)).Msg("viewer detached")
}

// AddViewerCandidate applies a remote candidate to the session of vid.
func (o *Orchestrator) AddViewerCandidate(vid core.ViewerID, ci webrtc.ICECandidateInit) error {
	mc, ok := o.Registry.Media(vid)
	if !ok {
		return ErrNoViewerMedia
	}
	return mc.AddICECandidate(ci)
}

// SetMuted pauses or resumes one kind for vid without renegotiating.
func (o *Orchestrator) SetMuted(vid core.ViewerID, kind domain.SourceKind, muted bool) error {
	if !o.Relays.SetMuted(core.CodecType(kind), vid, muted) {
		return ErrNoViewerMedia
	}
	return nil
}
