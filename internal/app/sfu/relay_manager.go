package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RelayManager keeps one relay per output kind.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[webrtc.RTPCodecType]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[webrtc.RTPCodecType]*Relay),
	}
}

// StartRelay starts fanning out track to viewers.
func (m *RelayManager) StartRelay(ctx context.Context, track core.RemoteTrack) {
	kind := track.Kind()
	logger := log.With().
		Str("module", "relay").
		Str("kind", kind.String()).
		Str("track_id", track.ID()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[kind]; ok {
		logger.Info().Msg("replacing existing relay for kind")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[kind] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
}

// Subscribe attaches viewer to the relay of kind. It reports false when no
// relay carries that kind.
func (m *RelayManager) Subscribe(kind webrtc.RTPCodecType, viewer core.ViewerID, track RTPWriter) bool {
	m.mu.RLock()
	relay, ok := m.relays[kind]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(viewer, NewOutTrack(track))
	return true
}

// SetMuted pauses or resumes kind for viewer.
func (m *RelayManager) SetMuted(kind webrtc.RTPCodecType, viewer core.ViewerID, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[kind]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ot, ok := relay.outTrack(viewer)
	if !ok {
		return false
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	return ot.GetState() != TrackStateDelete
}

// MarkSubscriberDelete retires every out track of viewer.
func (m *RelayManager) MarkSubscriberDelete(viewer core.ViewerID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, relay := range m.relays {
		if ot, ok := relay.outTrack(viewer); ok {
			ot.MarkDelete()
		}
	}
}

// StopAll retires every relay. A loop exits on its next read.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[webrtc.RTPCodecType]*Relay)
	m.mu.Unlock()

	for _, relay := range relays {
		relay.markAllDelete()
		relay.cancel()
	}
}

func (m *RelayManager) HasRelay(kind webrtc.RTPCodecType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[kind]
	return ok
}

// SrcTrack returns the output track a relay reads from.
func (m *RelayManager) SrcTrack(kind webrtc.RTPCodecType) (core.RemoteTrack, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[kind]
	if !ok {
		return nil, false
	}
	return relay.Src, true
}

// Viewers reports the live subscriber count per kind.
func (m *RelayManager) Viewers() map[webrtc.RTPCodecType]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[webrtc.RTPCodecType]int, len(m.relays))
	for kind, relay := range m.relays {
		out[kind] = relay.Viewers()
	}
	return out
}
