// Package coretest has in-memory fakes of the media collaborators.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

var trackSeq atomic.Int64

type Track struct {
	id      string
	kind    domain.TrackKind
	stream  string
	enabled atomic.Bool
	stops   atomic.Int32
	done    chan struct{}
	once    sync.Once
}

func NewTrack(kind domain.TrackKind, stream string) *Track {
	t := &Track{
		id:     fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)),
		kind:   kind,
		stream: stream,
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) StreamID() string { return t.stream }
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *Track) Enabled() bool { return t.enabled.Load() }
func (t *Track) Done() <-chan struct{} { return t.done }
func (t *Track) Stops() int { return int(t.stops.Load()) }

// Stop counts explicit stops; End simulates the source going away.
func (t *Track) Stop() {
	t.stops.Add(1)
	t.End()
}

func (t *Track) End() {
	t.once.Do(func() { close(t.done) })
}

func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Devices hands out fake tracks. Deny makes capture fail as a refused
// permission prompt would.
type Devices struct {
	Deny        bool
	DenyDisplay bool

	mu       sync.Mutex
	userReqs []core.Constraints
	streams  []*core.MediaStream
	displays []*Track
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.Constraints) (*core.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userReqs = append(d.userReqs, c)
	if d.Deny {
		return nil, domain.ErrMediaPermissionDenied
	}
	s := &core.MediaStream{ID: fmt.Sprintf("camera-%d", len(d.userReqs))}
	if c.Audio {
		s.Tracks = append(s.Tracks, NewTrack(domain.TrackKindAudio, s.ID))
	}
	if c.Video {
		s.Tracks = append(s.Tracks, NewTrack(domain.TrackKindVideo, s.ID))
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (*core.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DenyDisplay {
		return nil, domain.ErrMediaPermissionDenied
	}
	id := fmt.Sprintf("screen-%d", len(d.displays)+1)
	t := NewTrack(domain.TrackKindVideo, id)
	d.displays = append(d.displays, t)
	return &core.MediaStream{ID: id, Tracks: []core.LocalTrack{t}}, nil
}

func (d *Devices) EnumerateDevices(ctx context.Context) ([]core.DeviceInfo, error) {
	return []core.DeviceInfo{
		{DeviceID: "mic0", Label: "Fake microphone", Kind: "audioinput"},
		{DeviceID: "cam0", Label: "Fake camera", Kind: "videoinput"},
	}, nil
}

func (d *Devices) UserRequests() []core.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Constraints(nil), d.userReqs...)
}

func (d *Devices) Streams() []*core.MediaStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*core.MediaStream(nil), d.streams...)
}

// LastDisplay is the most recent screen track, nil if none.
func (d *Devices) LastDisplay() *Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.displays) == 0 {
		return nil
	}
	return d.displays[len(d.displays)-1]
}
