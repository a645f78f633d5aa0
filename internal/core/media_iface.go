package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Role tells which end of a pipe a MediaConnection terminates.
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
	RoleViewer Role = "viewer"
)

// TrackSender is an outbound slot bound to exactly one local track.
// *webrtc.RTPSender satisfies it.
type TrackSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is a track observed on the receiving side of a connection.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	ConnectionState() webrtc.PeerConnectionState
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// CreateAndSetOffer creates an offer and commits it as the local description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer accepts a remote offer and commits the answer locally.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer accepts the remote answer.
	ApplyAnswer(webrtc.SessionDescription) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
	// AddLocalTrack attaches a local track as a new sender.
	AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error)
	// Senders lists the current outbound slots.
	Senders() []TrackSender
}
