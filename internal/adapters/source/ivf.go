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
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedFourCC = errors.New("unsupported ivf fourcc")

// IVF plays a VP8/VP9/AV1 file in a loop.
type IVF struct {
	base
	frameDuration time.Duration
}

func NewIVF(info domain.SourceInfo) (*IVF, error) {
	f, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", info.ID, err)
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("source %s: read ivf header: %w", info.ID, err)
	}
	mimeType, err := ivfMimeType(header.FourCC)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", info.ID, err)
	}
	if header.TimebaseDenominator == 0 {
		return nil, fmt.Errorf("source %s: ivf timebase denominator is zero", info.ID)
	}

	b, err := newBase(info, mimeType)
	if err != nil {
		return nil, err
	}
	return &IVF{
		base: b,
		frameDuration: time.Duration(
			float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second),
		),
	}, nil
}

func ivfMimeType(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFourCC, fourCC)
}

func (v *IVF) Run(ctx context.Context) error {
	logger := log.With().Str("module", "source").Str("source", string(v.info.ID)).Logger()
	logger.Info().Str("path", v.info.Path).Dur("frame", v.frameDuration).Msg("ivf started")
	for {
		if err := v.playOnce(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Debug().Msg("ivf looped")
	}
}

func (v *IVF) playOnce(ctx context.Context) error {
	f, err := os.Open(v.info.Path)
	if err != nil {
		return fmt.Errorf("source %s: %w", v.info.ID, err)
	}
	defer f.Close()

	reader, _, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("source %s: read ivf header: %w", v.info.ID, err)
	}

	errEnd := errors.New("end of file")
	err = pace(ctx, v.frameDuration, func() error {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return errEnd
		}
		if err != nil {
			return fmt.Errorf("source %s: read ivf frame: %w", v.info.ID, err)
		}
		return v.out.WriteSample(media.Sample{Data: frame, Duration: v.frameDuration})
	})
	if errors.Is(err, errEnd) {
		return nil
	}
	return err
}
