package core

import (
	"context"

	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Source is a live producer of one track. Run keeps writing samples into
// Track until ctx is done.
type Source interface {
	Info() domain.SourceInfo
	Track() webrtc.TrackLocal
	Run(ctx context.Context) error
}
