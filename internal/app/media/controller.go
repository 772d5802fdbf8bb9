// Package media owns the local capture stream: acquisition, mute by
// disabling, and renegotiation-free source swaps for screen sharing.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAcquired = errors.New("media not acquired")
	ErrReleased    = errors.New("media released")
	ErrNoTrack     = errors.New("stream has no track of that kind")
)

type Source int

const (
	SourceCamera Source = iota
	SourceScreen
)

func (s Source) String() string {
	if s == SourceScreen {
		return "screen"
	}
	return "camera"
}

// Sender replaces the outgoing track of a kind on every live connection and
// reports how many senders changed.
type Sender interface {
	ReplaceTrack(kind domain.TrackKind, track core.LocalTrack) (int, error)
}

type Controller struct {
	devices core.MediaDevices

	ctx    context.Context
	cancel context.CancelFunc

	// swap serializes source changes, including the automatic revert.
	swap sync.Mutex

	mu       sync.Mutex
	streamID string
	audio    *OutTrack
	video    *OutTrack
	screen   *core.MediaStream
	source   Source
	sender   Sender
	acquired bool
	released bool
}

func NewController(devices core.MediaDevices) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{devices: devices, ctx: ctx, cancel: cancel}
}

// Bind sets where swapped tracks go. The mesh manager is the usual sender.
func (c *Controller) Bind(s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// Acquire requests camera and microphone. A refusal comes back as
// domain.ErrMediaPermissionDenied and is never retried here.
func (c *Controller) Acquire(ctx context.Context) error {
	stream, err := c.devices.GetUserMedia(ctx, core.Constraints{Audio: true, Video: true})
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		stream.Stop()
		return ErrReleased
	}
	c.streamID = stream.ID
	if ts := stream.TracksOf(domain.TrackKindAudio); len(ts) > 0 {
		c.audio = NewOutTrack(ts[0])
	}
	if ts := stream.TracksOf(domain.TrackKindVideo); len(ts) > 0 {
		c.video = NewOutTrack(ts[0])
	}
	c.acquired = true
	log.Info().Str("module", "media").Str("stream", stream.ID).Int("tracks", len(stream.Tracks)).Msg("media acquired")
	return nil
}

// Devices lists capture devices. Failure is logged and yields nothing.
func (c *Controller) Devices(ctx context.Context) []core.DeviceInfo {
	devs, err := c.devices.EnumerateDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("enumerate devices")
		return nil
	}
	return devs
}

// Tracks returns the tracks currently sent to peers.
func (c *Controller) Tracks() []core.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.LocalTrack
	if c.audio != nil {
		out = append(out, c.audio.Track)
	}
	if c.video != nil {
		out = append(out, c.video.Track)
	}
	return out
}

// Preview is the locally rendered stream, reflecting any swap.
func (c *Controller) Preview() core.MediaStream {
	return core.MediaStream{ID: c.streamIDOrEmpty(), Tracks: c.Tracks()}
}

func (c *Controller) streamIDOrEmpty() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

func (c *Controller) Source() Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *Controller) outTrack(kind domain.TrackKind) *OutTrack {
	if kind == domain.TrackKindAudio {
		return c.audio
	}
	return c.video
}

// SetTrackEnabled mutes or unmutes by disabling the track, never removing it.
func (c *Controller) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ot := c.outTrack(kind)
	if ot == nil {
		return ErrNotAcquired
	}
	if enabled {
		ot.MarkActive()
	} else {
		ot.MarkMuted()
	}
	log.Debug().Str("module", "media").Str("kind", string(kind)).Str("state", ot.State().String()).Msg("track state")
	return nil
}

func (c *Controller) TrackState(kind domain.TrackKind) (TrackState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ot := c.outTrack(kind)
	if ot == nil {
		return TrackStateActive, ErrNotAcquired
	}
	return ot.State(), nil
}

// SwapVideoSource makes the stream's video track the outgoing video on every
// connection by sender replacement. The previous camera track is stopped. If
// the new track ends on its own the camera comes back.
func (c *Controller) SwapVideoSource(stream *core.MediaStream) error {
	c.swap.Lock()
	defer c.swap.Unlock()
	return c.swapVideoLocked(stream)
}

func (c *Controller) swapVideoLocked(stream *core.MediaStream) error {
	ts := stream.TracksOf(domain.TrackKindVideo)
	if len(ts) == 0 {
		return ErrNoTrack
	}
	track := ts[0]

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		stream.Stop()
		return ErrReleased
	}
	if !c.acquired {
		c.mu.Unlock()
		return ErrNotAcquired
	}
	old := c.video
	prevScreen := c.screen
	c.video = NewOutTrack(track)
	c.screen = stream
	c.source = SourceScreen
	sender := c.sender
	c.mu.Unlock()

	n, err := replace(sender, domain.TrackKindVideo, track)
	if old != nil {
		old.Track.Stop()
	}
	if prevScreen != nil && prevScreen != stream {
		stopExcept(prevScreen, old.Track)
	}
	go c.revertWhenEnded(track)

	log.Info().Str("module", "media").Str("source", SourceScreen.String()).Int("senders", n).Msg("video source swapped")
	return err
}

// stopExcept stops the stream's tracks other than skip, which the caller
// already stopped.
func stopExcept(s *core.MediaStream, skip core.LocalTrack) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		if t != skip {
			t.Stop()
		}
	}
}

func replace(s Sender, kind domain.TrackKind, track core.LocalTrack) (int, error) {
	if s == nil {
		return 0, nil
	}
	return s.ReplaceTrack(kind, track)
}

func (c *Controller) revertWhenEnded(track core.LocalTrack) {
	select {
	case <-track.Done():
	case <-c.ctx.Done():
		return
	}
	c.swap.Lock()
	defer c.swap.Unlock()

	c.mu.Lock()
	current := c.video != nil && c.video.Track == track && c.source == SourceScreen && !c.released
	c.mu.Unlock()
	if !current {
		return
	}
	log.Info().Str("module", "media").Msg("screen share ended, reverting to camera")
	if err := c.revertLocked(c.ctx); err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("revert to camera")
	}
}

// StartScreenShare asks for a display source and swaps it in.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.swap.Lock()
	defer c.swap.Unlock()
	stream, err := c.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("display media: %w", err)
	}
	return c.swapVideoLocked(stream)
}

// StopScreenShare re-acquires a camera video track and swaps it back in.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.swap.Lock()
	defer c.swap.Unlock()
	if c.Source() != SourceScreen {
		return nil
	}
	return c.revertLocked(ctx)
}

func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	if c.Source() == SourceScreen {
		return c.StopScreenShare(ctx)
	}
	return c.StartScreenShare(ctx)
}

func (c *Controller) revertLocked(ctx context.Context) error {
	cam, err := c.devices.GetUserMedia(ctx, core.Constraints{Video: true})
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	ts := cam.TracksOf(domain.TrackKindVideo)
	if len(ts) == 0 {
		cam.Stop()
		return ErrNoTrack
	}
	track := ts[0]

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		cam.Stop()
		return ErrReleased
	}
	old := c.video
	screen := c.screen
	c.video = NewOutTrack(track)
	c.screen = nil
	c.source = SourceCamera
	sender := c.sender
	c.mu.Unlock()

	n, err := replace(sender, domain.TrackKindVideo, track)
	if old != nil {
		old.Track.Stop()
		stopExcept(screen, old.Track)
	}
	log.Info().Str("module", "media").Str("source", SourceCamera.String()).Int("senders", n).Msg("video source swapped")
	return err
}

// SwapAudioSource switches the microphone the same way; mute state carries over.
func (c *Controller) SwapAudioSource(stream *core.MediaStream) error {
	ts := stream.TracksOf(domain.TrackKindAudio)
	if len(ts) == 0 {
		return ErrNoTrack
	}
	track := ts[0]

	c.mu.Lock()
	if c.released || c.audio == nil {
		c.mu.Unlock()
		stream.Stop()
		return ErrNotAcquired
	}
	old := c.audio
	c.audio = NewOutTrack(track)
	c.audio.Mark(old.State())
	sender := c.sender
	c.mu.Unlock()

	_, err := replace(sender, domain.TrackKindAudio, track)
	old.Track.Stop()
	return err
}

// Release stops every local track. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	tracks := make([]core.LocalTrack, 0, 3)
	if c.audio != nil {
		tracks = append(tracks, c.audio.Track)
	}
	if c.video != nil {
		tracks = append(tracks, c.video.Track)
	}
	screen := c.screen
	c.mu.Unlock()

	c.cancel()
	for _, t := range tracks {
		t.Stop()
	}
	if len(tracks) > 0 {
		stopExcept(screen, tracks[len(tracks)-1])
	}
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("media released")
}
