package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// Ogg plays an Ogg/Opus file in a loop, one page per tick.
type Ogg struct {
	base
}

func NewOgg(info domain.SourceInfo) (*Ogg, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", info.ID, err)
	}
	defer f.Close()
	if _, _, err := oggreader.NewWith(f); err != nil {
		return nil, fmt.Errorf("source %s: read ogg header: %w", info.ID, err)
	}

	b, err := newBase(info, webrtc.MimeTypeOpus)
	if err != nil {
		return nil, err
	}
	return &Ogg{base: b}, nil
}

func (o *Ogg) Run(ctx context.Context) error {
	logger := log.With().Str("module", "source").Str("source", string(o.info.ID)).Logger()
	logger.Info().Str("path", o.info.Path).Msg("ogg started")
	for {
		if err := o.playOnce(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Debug().Msg("ogg looped")
	}
}

func (o *Ogg) playOnce(ctx context.Context) error {
	f, err := os.Open(o.info.Path)
	if err != nil {
		return fmt.Errorf("source %s: %w", o.info.ID, err)
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("source %s: read ogg header: %w", o.info.ID, err)
	}

	var lastGranule uint64
	errEnd := errors.New("end of file")
	err = pace(ctx, oggPageDuration, func() error {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return errEnd
		}
		if err != nil {
			return fmt.Errorf("source %s: read ogg page: %w", o.info.ID, err)
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		return o.out.WriteSample(media.Sample{Data: page, Duration: duration})
	})
	if errors.Is(err, errEnd) {
		return nil
	}
	return err
}
