package orch

import (
	"fmt"
	"strings"

	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/switcher"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// codecTrack is implemented by pion's static local tracks.
type codecTrack interface {
	Codec() webrtc.RTPCodecCapability
}

// Select routes source id into the pipe in place of the active source of
// the same kind. The catalog only changes once the pipe carries the source.
func (o *Orchestrator) Select(id domain.SourceID) error {
	src, ok := o.Catalog.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", app.ErrUnknownSource, id)
	}

	o.selectMu.Lock()
	defer o.selectMu.Unlock()
	if o.Pipe.State() != switcher.StateConnected {
		return ErrPipeNotConnected
	}
	kind := core.CodecType(src.Info().Kind)
	if err := o.checkCodec(kind, src.Track()); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	o.Pipe.SwitchTrack(src.Track())
	if bound, ok := o.Pipe.Bound(kind); !ok || bound != src.Track() {
		return fmt.Errorf("%w: %s", ErrSwitchFailed, id)
	}
	if err := o.Catalog.SetActive(id); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("source", string(id)).Str("kind", string(src.Info().Kind)).Msg("source selected")
	return nil
}

// Sources lists the catalog with active flags.
func (o *Orchestrator) Sources() []domain.SourceStatus {
	return o.Catalog.List()
}

// checkCodec refuses a track whose codec differs from the output track of
// its kind. Viewer tracks are bound to the output codec when they attach.
func (o *Orchestrator) checkCodec(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	stream, ok := o.Pipe.Stream()
	if !ok {
		return ErrPipeNotConnected
	}
	out, ok := stream.Track(kind)
	if !ok {
		return ErrSwitchFailed
	}
	ct, ok := track.(codecTrack)
	if !ok {
		return nil
	}
	if want, got := out.Codec().MimeType, ct.Codec().MimeType; !strings.EqualFold(want, got) {
		return fmt.Errorf("%w: %s, output is %s", ErrCodecMismatch, got, want)
	}
	return nil
}
