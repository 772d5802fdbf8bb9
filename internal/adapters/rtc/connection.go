package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrForeignTrack = errors.New("track was not created by this adapter")

// Connection is a core.PeerConnection over a pion PeerConnection. Candidates
// trickle; descriptions are returned as soon as they are applied.
type Connection struct {
	pc     *webrtc.PeerConnection
	peer   domain.MemberID
	closed atomic.Bool

	mu      sync.Mutex
	senders []*sender
	onICE   func(domain.ICECandidate)
	onTrack func(core.RemoteTrack)
	onState func(core.ConnectionState)
}

func newConnection(pc *webrtc.PeerConnection, peer domain.MemberID) *Connection {
	c := &Connection{pc: pc, peer: peer}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		cb := c.onICE
		c.mu.Unlock()
		if cb != nil {
			cb(fromPionCandidate(cand.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go Drain(track, string(peer))

		c.mu.Lock()
		cb := c.onTrack
		c.mu.Unlock()
		if cb != nil {
			cb(core.RemoteTrack{ID: track.ID(), Kind: kindOf(track.Kind()), StreamID: track.StreamID()})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		cb := c.onState
		c.mu.Unlock()
		if cb != nil {
			cb(stateOf(s))
		}
	})
	return c
}

func (c *Connection) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	lt, ok := t.(*Track)
	if !ok {
		return nil, ErrForeignTrack
	}
	rtpSender, err := c.pc.AddTrack(lt.local)
	if err != nil {
		return nil, err
	}
	s := &sender{rtp: rtpSender, kind: lt.Kind(), track: lt}
	go s.readRTCP()

	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) Senders() []core.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.TrackSender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return fromPionDescription(*c.pc.LocalDescription()), nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return fromPionDescription(*c.pc.LocalDescription()), nil
}

func (c *Connection) SetRemoteDescription(d domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(d))
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(toPionCandidate(cand))
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnStateChange(fn func(core.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	return nil
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

type sender struct {
	rtp  *webrtc.RTPSender
	kind domain.TrackKind

	mu    sync.Mutex
	track *Track
}

func (s *sender) Kind() domain.TrackKind { return s.kind }

func (s *sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

// ReplaceTrack swaps the source on the existing transceiver; no renegotiation.
func (s *sender) ReplaceTrack(t core.LocalTrack) error {
	var next *Track
	if t != nil {
		lt, ok := t.(*Track)
		if !ok {
			return ErrForeignTrack
		}
		if lt.Kind() != s.kind {
			return fmt.Errorf("replace %s sender with %s track", s.kind, lt.Kind())
		}
		next = lt
	}
	var local webrtc.TrackLocal
	if next != nil {
		local = next.local
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = next
	s.mu.Unlock()
	return nil
}

// readRTCP keeps the sender's interceptors running until the sender stops.
func (s *sender) readRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.rtp.Read(buf); err != nil {
			return
		}
	}
}

func kindOf(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func stateOf(s webrtc.PeerConnectionState) core.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.ConnectionStateClosed
	}
	return core.ConnectionStateNew
}

func toPionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPionCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
