// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxSourceIDLen = 36

var (
	ErrSourceIDEmpty   = errors.New("source id empty")
	ErrSourceIDTooLong = errors.New("source id too long")
	ErrUnknownKind     = errors.New("unknown source kind")
	ErrUnknownType     = errors.New("unknown source type")
)

type SourceID string

type SourceKind string

const (
	KindAudio SourceKind = "audio"
	KindVideo SourceKind = "video"
)

// SourceType names how a source produces its samples.
type SourceType string

const (
	TypePattern SourceType = "pattern"
	TypeSilence SourceType = "silence"
	TypeIVF     SourceType = "ivf"
	TypeOgg     SourceType = "ogg"
)

// SourceInfo describes a configured media source.
type SourceInfo struct {
	ID   SourceID   `json:"id"`
	Name string     `json:"name"`
	Kind SourceKind `json:"kind"`
	Type SourceType `json:"type"`
	Path string     `json:"-"`
}

func (i SourceInfo) Validate() error {
	if len(i.ID) == 0 {
		return ErrSourceIDEmpty
	}
	if len(i.ID) > MaxSourceIDLen {
		return ErrSourceIDTooLong
	}
	switch i.Kind {
	case KindAudio, KindVideo:
	default:
		return ErrUnknownKind
	}
	switch i.Type {
	case TypePattern, TypeSilence, TypeIVF, TypeOgg:
	default:
		return ErrUnknownType
	}
	return nil
}

// ParseKind accepts "audio"/"video" in any case.
func ParseKind(raw string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", ErrUnknownKind
}

// SourceStatus is a source as listed to clients.
type SourceStatus struct {
	SourceInfo
	Active bool `json:"active"`
}
