// Package orch ties the source catalog, the switching pipe, the relays and
// the viewers together.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/sfu"
	"github.com/dkeye/MediaSwitch/internal/app/switcher"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StreamID names the stream fed into the pipe.
const StreamID = "mediaswitch"

var (
	ErrNoSources        = errors.New("no sources configured")
	ErrPipeNotConnected = errors.New("pipe not connected")
	ErrNoViewerMedia    = errors.New("viewer has no media session")
	ErrCodecMismatch    = errors.New("source codec differs from the output track")
	ErrSwitchFailed     = errors.New("pipe did not take the source")
)

// Pipe is the switching loopback. *switcher.Switcher satisfies it.
type Pipe interface {
	Initialize(ctx context.Context, input *core.Stream) (*core.RemoteStream, error)
	SwitchTrack(track webrtc.TrackLocal)
	Bound(kind webrtc.RTPCodecType) (webrtc.TrackLocal, bool)
	State() switcher.PipeState
	Stream() (*core.RemoteStream, bool)
	Close()
}

type Orchestrator struct {
	Registry  *app.Registry
	Catalog   *app.Catalog
	Pipe      Pipe
	Relays    *sfu.RelayManager
	Policy    app.Policy
	NewViewer ViewerFactory

	selectMu sync.Mutex

	missMu sync.Mutex
	misses map[core.ViewerID]int
}

// Start feeds the active source of each kind into the pipe and starts
// relaying its output.
func (o *Orchestrator) Start(ctx context.Context) (*core.RemoteStream, error) {
	var tracks []webrtc.TrackLocal
	for _, kind := range []domain.SourceKind{domain.KindAudio, domain.KindVideo} {
		if src, ok := o.Catalog.Active(kind); ok {
			tracks = append(tracks, src.Track())
		}
	}
	if len(tracks) == 0 {
		return nil, ErrNoSources
	}

	stream, err := o.Pipe.Initialize(ctx, core.NewStream(StreamID, tracks...))
	if err != nil {
		return nil, fmt.Errorf("initialize pipe: %w", err)
	}
	for _, track := range stream.Tracks() {
		o.Relays.StartRelay(ctx, track)
	}
	log.Info().Str("module", "orch").Str("stream_id", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("pipe started")
	return stream, nil
}

// Stop detaches every viewer and tears the pipe down.
func (o *Orchestrator) Stop() {
	for _, snap := range o.Registry.Snapshot() {
		o.DetachViewer(snap.ID)
	}
	o.Relays.StopAll()
	o.Pipe.Close()
	log.Info().Str("module", "orch").Msg("pipe stopped")
}

// Broadcast queues frame on every viewer's signal connection. Viewers that
// keep falling behind are handled by Policy.
func (o *Orchestrator) Broadcast(frame core.Frame) {
	for _, snap := range o.Registry.Snapshot() {
		if snap.Signal == nil {
			continue
		}
		if err := snap.Signal.TrySend(frame); err == nil {
			o.resetMisses(snap.ID)
			continue
		}
		misses := o.addMiss(snap.ID)
		if o.Policy == nil {
			continue
		}
		switch o.Policy.OnBackPressure(snap.ID, misses) {
		case app.KickViewer:
			log.Warn().Str("module", "orch").Str("viewer", string(snap.ID)).Int("misses", misses).Msg("kicking slow viewer")
			o.Disconnect(snap.ID)
		case app.DropFrame, app.NoAction:
		}
	}
}

// Disconnect drops everything held for vid.
func (o *Orchestrator) Disconnect(vid core.ViewerID) {
	o.DetachViewer(vid)
	o.Registry.Cancel(vid)
	o.Registry.Unbind(vid)
	o.resetMisses(vid)
}

func (o *Orchestrator) addMiss(vid core.ViewerID) int {
	o.missMu.Lock()
	defer o.missMu.Unlock()
	if o.misses == nil {
		o.misses = make(map[core.ViewerID]int)
	}
	o.misses[vid]++
	return o.misses[vid]
}

func (o *Orchestrator) resetMisses(vid core.ViewerID) {
	o.missMu.Lock()
	defer o.missMu.Unlock()
	delete(o.misses, vid)
}

type TrackStatus struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Codec   string `json:"codec"`
	Viewers int    `json:"viewers"`
}

type Status struct {
	State    string                                `json:"state"`
	StreamID string                                `json:"stream_id,omitempty"`
	Tracks   []TrackStatus                         `json:"tracks"`
	Active   map[domain.SourceKind]domain.SourceID `json:"active"`
	Viewers  int                                   `json:"viewers"`
}

func (o *Orchestrator) Status() Status {
	st := Status{
		State:   o.Pipe.State().String(),
		Tracks:  []TrackStatus{},
		Active:  make(map[domain.SourceKind]domain.SourceID, 2),
		Viewers: o.Registry.Count(),
	}
	for _, kind := range []domain.SourceKind{domain.KindAudio, domain.KindVideo} {
		if src, ok := o.Catalog.Active(kind); ok {
			st.Active[kind] = src.Info().ID
		}
	}
	stream, ok := o.Pipe.Stream()
	if !ok {
		return st
	}
	st.StreamID = stream.ID()
	viewers := o.Relays.Viewers()
	for _, track := range stream.Tracks() {
		st.Tracks = append(st.Tracks, TrackStatus{
			Kind:    track.Kind().String(),
			ID:      track.ID(),
			Codec:   track.Codec().MimeType,
			Viewers: viewers[track.Kind()],
		})
	}
	return st
}
