package rtc

import (
	"fmt"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, required when the host
	// has no other usable interface.
	IncludeLoopback bool
	// NetworkTypes restricts gathering, e.g. "udp4". Empty means pion defaults.
	NetworkTypes []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// DisableReplayProtection turns off SRTP and SRTCP replay checks. A
	// switched sender restarts its sequence numbers from the new track's
	// packetizer, which the receiver would otherwise drop as replays.
	DisableReplayProtection bool

	// Net replaces the OS network, e.g. with a vnet.Net.
	Net           transport.Net
	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a pion API with default codecs and interceptors and the
// setting engine tuned for an in-process pipe.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	if len(opts.NetworkTypes) > 0 {
		types := make([]webrtc.NetworkType, 0, len(opts.NetworkTypes))
		for _, raw := range opts.NetworkTypes {
			nt, err := webrtc.NewNetworkType(raw)
			if err != nil {
				return nil, fmt.Errorf("network type %q: %w", raw, err)
			}
			types = append(types, nt)
		}
		se.SetNetworkTypes(types)
	}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}
	if opts.DisableReplayProtection {
		se.DisableSRTPReplayProtection(true)
		se.DisableSRTCPReplayProtection(true)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}
