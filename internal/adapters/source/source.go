// Package source turns configured media sources into live local tracks.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrKindMismatch = errors.New("source type does not produce this kind")

type sampleWriter interface {
	WriteSample(media.Sample) error
}

type base struct {
	info  domain.SourceInfo
	track *webrtc.TrackLocalStaticSample
	out   sampleWriter
}

func newBase(info domain.SourceInfo, mimeType string) (base, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		uuid.NewString(),
		string(info.ID),
	)
	if err != nil {
		return base{}, fmt.Errorf("source %s: create track: %w", info.ID, err)
	}
	return base{info: info, track: track, out: track}, nil
}

func (b *base) Info() domain.SourceInfo  { return b.info }
func (b *base) Track() webrtc.TrackLocal { return b.track }

// New builds the source described by info.
func New(info domain.SourceInfo) (core.Source, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", info.ID, err)
	}
	want := map[domain.SourceType]domain.SourceKind{
		domain.TypePattern: domain.KindVideo,
		domain.TypeIVF:     domain.KindVideo,
		domain.TypeSilence: domain.KindAudio,
		domain.TypeOgg:     domain.KindAudio,
	}[info.Type]
	if info.Kind != want {
		return nil, fmt.Errorf("source %q (%s): %w: %s", info.ID, info.Type, ErrKindMismatch, info.Kind)
	}

	switch info.Type {
	case domain.TypePattern:
		return NewPattern(info)
	case domain.TypeSilence:
		return NewSilence(info)
	case domain.TypeIVF:
		return NewIVF(info)
	case domain.TypeOgg:
		return NewOgg(info)
	}
	return nil, domain.ErrUnknownType
}

// pace writes one sample per tick until ctx is done or next fails.
func pace(ctx context.Context, every time.Duration, next func() error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := next(); err != nil {
				return err
			}
		}
	}
}
