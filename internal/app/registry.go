package app

import (
	"context"
	"sync"

	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/rs/zerolog/log"
)

type viewerEntry struct {
	Signal core.SignalConnection
	Media  core.MediaConnection
	Cancel context.CancelFunc
}

// Registry tracks connected viewers and what each of them holds.
type Registry struct {
	mu      sync.RWMutex
	viewers map[core.ViewerID]*viewerEntry
}

func NewRegistry() *Registry {
	return &Registry{
		viewers: make(map[core.ViewerID]*viewerEntry),
	}
}

func (r *Registry) BindSignal(vid core.ViewerID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[vid]
	if !ok {
		e = &viewerEntry{}
		r.viewers[vid] = e
	}
	e.Signal, e.Cancel = sig, cancel
	log.Info().Str("module", "app.registry").Str("viewer", string(vid)).Msg("bound signal")
}

// BindMedia stores mc for vid and returns the connection it replaced.
func (r *Registry) BindMedia(vid core.ViewerID, mc core.MediaConnection) core.MediaConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[vid]
	if !ok {
		e = &viewerEntry{}
		r.viewers[vid] = e
	}
	old := e.Media
	e.Media = mc
	log.Info().Str("module", "app.registry").Str("viewer", string(vid)).Msg("bound media")
	return old
}

// UnbindMedia detaches the media connection of vid if it is still mc.
// A nil mc matches whatever is bound.
func (r *Registry) UnbindMedia(vid core.ViewerID, mc core.MediaConnection) core.MediaConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.viewers[vid]
	if !ok || e.Media == nil || (mc != nil && e.Media != mc) {
		return nil
	}
	old := e.Media
	e.Media = nil
	if e.Signal == nil {
		delete(r.viewers, vid)
	}
	return old
}

func (r *Registry) Media(vid core.ViewerID) (core.MediaConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.viewers[vid]; ok && e.Media != nil {
		return e.Media, true
	}
	return nil, false
}

func (r *Registry) Signal(vid core.ViewerID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.viewers[vid]; ok && e.Signal != nil {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) Unbind(vid core.ViewerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.viewers, vid)
	log.Info().Str("module", "app.registry").Str("viewer", string(vid)).Msg("unbind viewer")
}

type regSnap struct {
	ID     core.ViewerID
	Signal core.SignalConnection
	Media  core.MediaConnection
}

func (r *Registry) Snapshot() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.viewers))
	for vid, e := range r.viewers {
		out = append(out, regSnap{ID: vid, Signal: e.Signal, Media: e.Media})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

func (r *Registry) Cancel(vid core.ViewerID) bool {
	r.mu.RLock()
	e, ok := r.viewers[vid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("viewer", string(vid)).Msg("canceled viewer")
	return true
}
