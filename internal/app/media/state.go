package media

import (
	"sync/atomic"

	"github.com/dkeye/Mesh/internal/core"
)

type TrackState int32

const (
	TrackStateActive TrackState = iota
	TrackStateMuted
)

func (s TrackState) String() string {
	if s == TrackStateMuted {
		return "muted"
	}
	return "active"
}

// OutTrack is one outgoing local track and its state. Muting disables the
// track; it stays attached to every sender.
type OutTrack struct {
	Track core.LocalTrack
	state atomic.Int32 // Zero by default (TrackStateActive)
}

func NewOutTrack(track core.LocalTrack) *OutTrack {
	ot := &OutTrack{Track: track}
	track.SetEnabled(true)
	return ot
}

func (ot *OutTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkActive() {
	ot.state.Store(int32(TrackStateActive))
	ot.Track.SetEnabled(true)
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
	ot.Track.SetEnabled(false)
}

func (ot *OutTrack) Mark(s TrackState) {
	if s == TrackStateMuted {
		ot.MarkMuted()
		return
	}
	ot.MarkActive()
}
