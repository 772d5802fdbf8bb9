package rtc

import (
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4/pkg/media"
)

func mediaSample() media.Sample {
	return media.Sample{Data: []byte{0x01}, Duration: frameDuration}
}

type foreignTrack struct{}

func (foreignTrack) ID() string             { return "x" }
func (foreignTrack) Kind() domain.TrackKind { return domain.TrackKindAudio }
func (foreignTrack) StreamID() string       { return "s" }
func (foreignTrack) SetEnabled(bool)        {}
func (foreignTrack) Enabled() bool          { return true }
func (foreignTrack) Stop()                  {}
func (foreignTrack) Done() <-chan struct{}  { return nil }
