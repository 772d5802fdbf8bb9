package rtc

import (
	"fmt"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Configuration turns the static ICE settings into a pion configuration.
func Configuration(ice config.ICE) webrtc.Configuration {
	cfg := webrtc.Configuration{ICECandidatePoolSize: ice.CandidatePoolSize}
	if len(ice.Servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: ice.Servers}}
	}
	return cfg
}

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(ice config.ICE) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return &Factory{api: api, cfg: Configuration(ice)}, nil
}

func (f *Factory) NewPeerConnection(peer domain.MemberID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newConnection(pc, peer), nil
}
