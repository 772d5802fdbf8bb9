package core

import (
	"context"

	"github.com/dkeye/Mesh/internal/domain"
)

// LocalTrack is an outgoing capture track. Disabling keeps the track attached
// and sends silence/black instead of renegotiating.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	StreamID() string
	SetEnabled(bool)
	Enabled() bool
	// Stop releases the capture source. Done is closed when the track ends,
	// whether stopped locally or by the source going away.
	Stop()
	Done() <-chan struct{}
}

// MediaStream groups local tracks the way a capture call returns them.
type MediaStream struct {
	ID     string
	Tracks []LocalTrack
}

func (s *MediaStream) TracksOf(kind domain.TrackKind) []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *MediaStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

type Constraints struct {
	Audio bool
	Video bool
}

type DeviceInfo struct {
	DeviceID string
	Label    string
	Kind     string
}

// MediaDevices is the capture collaborator.
type MediaDevices interface {
	// GetUserMedia returns domain.ErrMediaPermissionDenied on refusal.
	GetUserMedia(ctx context.Context, c Constraints) (*MediaStream, error)
	GetDisplayMedia(ctx context.Context) (*MediaStream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// RemoteTrack describes a track received from a peer.
type RemoteTrack struct {
	ID       string
	Kind     domain.TrackKind
	StreamID string
}

// RemoteStream is what the rendering layer gets for one peer.
type RemoteStream struct {
	PeerID   domain.MemberID
	StreamID string
	Tracks   []RemoteTrack
}

type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	}
	return "unknown"
}

// TrackSender is the outgoing half of an attached track.
type TrackSender interface {
	Kind() domain.TrackKind
	Track() LocalTrack
	// ReplaceTrack swaps the source without renegotiation.
	ReplaceTrack(LocalTrack) error
}

// PeerConnection is one media session with one remote member.
type PeerConnection interface {
	AddTrack(LocalTrack) (TrackSender, error)
	Senders() []TrackSender
	// CreateOffer creates an offer and applies it as local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(domain.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(domain.ICECandidate) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(domain.ICECandidate))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(ConnectionState))
	// Close is safe on a connection that never finished negotiating.
	Close() error
	IsClosed() bool
}

type PeerConnectionFactory interface {
	NewPeerConnection(peer domain.MemberID) (PeerConnection, error)
}
