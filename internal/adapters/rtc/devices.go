package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// StaticDevices is capture for headless members. Audio is an opus silence
// generator; video and display tracks carry no frames until a source writes
// samples into them.
type StaticDevices struct {
	// Deny makes every capture request fail as a user refusal would.
	Deny bool
	// ShareFor ends display tracks on their own after the given time,
	// the way a browser's stop-sharing control does. Zero means never.
	ShareFor time.Duration

	mu     sync.Mutex
	tracks []*Track
}

func (d *StaticDevices) GetUserMedia(ctx context.Context, c core.Constraints) (*core.MediaStream, error) {
	if d.Deny {
		return nil, domain.ErrMediaPermissionDenied
	}
	streamID := uuid.NewString()
	stream := &core.MediaStream{ID: streamID}
	if c.Audio {
		t, err := NewTrack(domain.TrackKindAudio, uuid.NewString(), streamID, "silence")
		if err != nil {
			return nil, err
		}
		go pumpSilence(t)
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video {
		t, err := NewTrack(domain.TrackKindVideo, uuid.NewString(), streamID, "camera")
		if err != nil {
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	d.remember(stream.Tracks...)
	return stream, nil
}

func (d *StaticDevices) GetDisplayMedia(ctx context.Context) (*core.MediaStream, error) {
	if d.Deny {
		return nil, domain.ErrMediaPermissionDenied
	}
	streamID := uuid.NewString()
	t, err := NewTrack(domain.TrackKindVideo, uuid.NewString(), streamID, "screen")
	if err != nil {
		return nil, err
	}
	if d.ShareFor > 0 {
		time.AfterFunc(d.ShareFor, t.Stop)
	}
	d.remember(t)
	return &core.MediaStream{ID: streamID, Tracks: []core.LocalTrack{t}}, nil
}

func (d *StaticDevices) EnumerateDevices(ctx context.Context) ([]core.DeviceInfo, error) {
	return []core.DeviceInfo{
		{DeviceID: "silence", Label: "Silence generator", Kind: "audioinput"},
		{DeviceID: "camera", Label: "Blank camera", Kind: "videoinput"},
	}, nil
}

// Live lists tracks that have not ended.
func (d *StaticDevices) Live() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Track
	for _, t := range d.tracks {
		if !t.Ended() {
			out = append(out, t)
		}
	}
	return out
}

func (d *StaticDevices) remember(ts ...core.LocalTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range ts {
		if lt, ok := t.(*Track); ok {
			d.tracks = append(d.tracks, lt)
		}
	}
}

func pumpSilence(t *Track) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("write sample")
			}
		}
	}
}
