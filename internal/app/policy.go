package app

import "github.com/dkeye/MediaSwitch/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickViewer
	DropFrame
)

// Policy decides what happens to a viewer whose signal queue is full.
type Policy interface {
	OnBackPressure(vid core.ViewerID, misses int) BackpressureAction
}

// SimplePolicy drops frames for a slow viewer and kicks it after Limit
// consecutive misses. A zero Limit kicks on the first miss.
type SimplePolicy struct {
	Limit int
}

func (p SimplePolicy) OnBackPressure(_ core.ViewerID, misses int) BackpressureAction {
	if misses > p.Limit {
		return KickViewer
	}
	return DropFrame
}
