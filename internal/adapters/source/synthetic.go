package source

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const (
	patternFrameRate = 30
	patternFrameSize = 256
	silenceFrameTime = 20 * time.Millisecond
)

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Pattern emits opaque payloads labelled VP8 at a fixed frame rate. They
// are not decodable frames: the source exercises transport and switching
// only, and a browser shows a black picture for it. Use an ivf source for
// viewable video.
type Pattern struct {
	base
	frame uint32
}

func NewPattern(info domain.SourceInfo) (*Pattern, error) {
	b, err := newBase(info, webrtc.MimeTypeVP8)
	if err != nil {
		return nil, err
	}
	return &Pattern{base: b}, nil
}

func (p *Pattern) Run(ctx context.Context) error {
	log.Info().Str("module", "source").Str("source", string(p.info.ID)).Msg("pattern started")
	interval := time.Second / patternFrameRate
	return pace(ctx, interval, func() error {
		p.frame++
		data := make([]byte, patternFrameSize)
		binary.BigEndian.PutUint32(data, p.frame)
		for i := 4; i < len(data); i++ {
			data[i] = byte(p.frame) + byte(i)
		}
		return p.out.WriteSample(media.Sample{Data: data, Duration: interval})
	})
}

// Silence emits Opus silence.
type Silence struct {
	base
}

func NewSilence(info domain.SourceInfo) (*Silence, error) {
	b, err := newBase(info, webrtc.MimeTypeOpus)
	if err != nil {
		return nil, err
	}
	return &Silence{base: b}, nil
}

func (s *Silence) Run(ctx context.Context) error {
	log.Info().Str("module", "source").Str("source", string(s.info.ID)).Msg("silence started")
	return pace(ctx, silenceFrameTime, func() error {
		return s.out.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameTime})
	})
}
