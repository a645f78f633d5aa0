package core

import (
	"fmt"

	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// InvalidSourceError reports an absent or malformed source stream.
type InvalidSourceError struct {
	Reason string
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid source stream: %s", e.Reason)
}

// IsMediaKind reports whether kind is audio or video.
func IsMediaKind(kind webrtc.RTPCodecType) bool {
	return kind == webrtc.RTPCodecTypeAudio || kind == webrtc.RTPCodecTypeVideo
}

// IsMediaTrack reports whether t is a non-nil track of a recognized type
// carrying audio or video.
func IsMediaTrack(t webrtc.TrackLocal) bool {
	switch v := t.(type) {
	case *webrtc.TrackLocalStaticSample:
		return v != nil && IsMediaKind(v.Kind())
	case *webrtc.TrackLocalStaticRTP:
		return v != nil && IsMediaKind(v.Kind())
	default:
		return false
	}
}

// Stream groups tracks handed over by one producer. Kinds may repeat.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal
}

// NewStream builds a stream; an empty id is replaced with a random one.
// Nil tracks are dropped.
func NewStream(id string, tracks ...webrtc.TrackLocal) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Stream{id: id, tracks: make([]webrtc.TrackLocal, 0, len(tracks))}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the track list in insertion order.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOf returns the tracks of the given kind.
func (s *Stream) TracksOf(kind webrtc.RTPCodecType) []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Valid reports whether the stream exists and carries at least one track.
func (s *Stream) Valid() bool {
	return s != nil && len(s.tracks) > 0
}

// RemoteStream is the combined stream delivered to consumers. It holds at
// most one track per kind and does not change once built.
type RemoteStream struct {
	id     string
	tracks map[webrtc.RTPCodecType]RemoteTrack
}

// NewRemoteStream keeps the first track seen for each kind.
func NewRemoteStream(id string, tracks ...RemoteTrack) *RemoteStream {
	s := &RemoteStream{id: id, tracks: make(map[webrtc.RTPCodecType]RemoteTrack, len(tracks))}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, dup := s.tracks[t.Kind()]; !dup {
			s.tracks[t.Kind()] = t
		}
	}
	return s
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Track(kind webrtc.RTPCodecType) (RemoteTrack, bool) {
	t, ok := s.tracks[kind]
	return t, ok
}

// Tracks returns audio first, then video.
func (s *RemoteStream) Tracks() []RemoteTrack {
	out := make([]RemoteTrack, 0, len(s.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// CodecType maps a source kind onto the RTP codec type it feeds.
func CodecType(kind domain.SourceKind) webrtc.RTPCodecType {
	switch kind {
	case domain.KindAudio:
		return webrtc.RTPCodecTypeAudio
	case domain.KindVideo:
		return webrtc.RTPCodecTypeVideo
	}
	return 0
}
