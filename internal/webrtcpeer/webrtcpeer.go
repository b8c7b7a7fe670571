// Package webrtcpeer builds the pion API shared by every peer connection in a
// process.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/config"
)

type Options struct {
	Settings config.WebRTCSettings

	// Net replaces the OS network stack. Tests pass a vnet.Net.
	Net *vnet.Net

	// Logger receives pion's internal logs. Nil keeps pion silent below warn.
	Logger *slog.Logger
}

// NewAPI returns a pion API with the default audio/video codecs and the
// default interceptors (NACK, RTCP reports, TWCC).
func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts.Settings); err != nil {
		return nil, err
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewSlogLoggerFactory(opts.Logger)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s config.WebRTCSettings) error {
	if s.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(s.UDPPortRange.Min, s.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(s.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch s.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", s.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(s.NAT1To1IPs, candidateType)
	}

	// pion has no bind-address option; restricting gathering through the IP
	// filter has the same effect.
	if !config.IsUnspecifiedIP(s.UDPListenIP) {
		listenIP := s.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
