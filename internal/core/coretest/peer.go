package coretest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrConnClosed          = errors.New("connection closed")
)

type Sender struct {
	mu       sync.Mutex
	kind     domain.TrackKind
	track    core.LocalTrack
	replaced int
}

func (s *Sender) Kind() domain.TrackKind { return s.kind }

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	if t != nil && t.Kind() != s.kind {
		return fmt.Errorf("kind mismatch: %s on %s sender", t.Kind(), s.kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// PeerConnection records everything done to it. Its SDP lists the kinds of
// its senders; once both descriptions are set it fires OnTrack for every kind
// the remote side offered, standing in for media arriving.
type PeerConnection struct {
	Owner domain.MemberID
	Peer  domain.MemberID

	mu         sync.Mutex
	senders    []*Sender
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	candidates []domain.ICECandidate
	offers     int
	answers    int
	closed     bool
	fired      bool

	onICE   func(domain.ICECandidate)
	onTrack func(core.RemoteTrack)
	onState func(core.ConnectionState)
}

func (pc *PeerConnection) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, ErrConnClosed
	}
	s := &Sender{kind: t.Kind(), track: t}
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *PeerConnection) Senders() []core.TrackSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]core.TrackSender, 0, len(pc.senders))
	for _, s := range pc.senders {
		out = append(out, s)
	}
	return out
}

func (pc *PeerConnection) sdpLocked(t domain.SDPType) domain.SessionDescription {
	kinds := make([]string, 0, len(pc.senders))
	for _, s := range pc.senders {
		kinds = append(kinds, string(s.kind))
	}
	return domain.SessionDescription{
		Type: t,
		SDP:  fmt.Sprintf("fake:%s:%s", pc.Owner, strings.Join(kinds, ",")),
	}
}

func (pc *PeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return domain.SessionDescription{}, ErrConnClosed
	}
	pc.offers++
	d := pc.sdpLocked(domain.SDPTypeOffer)
	pc.local = &d
	pc.mu.Unlock()
	pc.gathered()
	return d, nil
}

func (pc *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return domain.SessionDescription{}, ErrConnClosed
	}
	if pc.remote == nil {
		pc.mu.Unlock()
		return domain.SessionDescription{}, ErrNoRemoteDescription
	}
	pc.answers++
	d := pc.sdpLocked(domain.SDPTypeAnswer)
	pc.local = &d
	pc.mu.Unlock()
	pc.gathered()
	pc.maybeFire()
	return d, nil
}

// gathered emits one host candidate after a local description is applied.
func (pc *PeerConnection) gathered() {
	pc.mu.Lock()
	cb := pc.onICE
	pc.mu.Unlock()
	if cb != nil {
		cb(domain.ICECandidate{Candidate: fmt.Sprintf("candidate:%s-to-%s", pc.Owner, pc.Peer)})
	}
}

func (pc *PeerConnection) SetRemoteDescription(d domain.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrConnClosed
	}
	pc.remote = &d
	pc.mu.Unlock()
	pc.maybeFire()
	return nil
}

func (pc *PeerConnection) maybeFire() {
	pc.mu.Lock()
	if pc.fired || pc.local == nil || pc.remote == nil || pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.fired = true
	cb, state := pc.onTrack, pc.onState
	parts := strings.SplitN(pc.remote.SDP, ":", 3)
	pc.mu.Unlock()

	if state != nil {
		state(core.ConnectionStateConnected)
	}
	if cb == nil || len(parts) != 3 || parts[2] == "" {
		return
	}
	for i, k := range strings.Split(parts[2], ",") {
		cb(core.RemoteTrack{
			ID:       fmt.Sprintf("%s-%s-%d", parts[1], k, i),
			Kind:     domain.TrackKind(k),
			StreamID: "stream-" + parts[1],
		})
	}
}

func (pc *PeerConnection) HasRemoteDescription() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote != nil
}

func (pc *PeerConnection) AddICECandidate(c domain.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrConnClosed
	}
	if pc.remote == nil {
		return ErrNoRemoteDescription
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *PeerConnection) OnICECandidate(f func(domain.ICECandidate)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = f
}

func (pc *PeerConnection) OnTrack(f func(core.RemoteTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = f
}

func (pc *PeerConnection) OnStateChange(f func(core.ConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = f
}

func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	state := pc.onState
	pc.mu.Unlock()
	if state != nil {
		state(core.ConnectionStateClosed)
	}
	return nil
}

func (pc *PeerConnection) IsClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *PeerConnection) Remote() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *PeerConnection) Candidates() []domain.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.ICECandidate(nil), pc.candidates...)
}

func (pc *PeerConnection) Offers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *PeerConnection) Answers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.answers
}

func (pc *PeerConnection) FakeSenders() []*Sender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*Sender(nil), pc.senders...)
}

// Factory builds fake connections for one local member.
type Factory struct {
	Owner domain.MemberID
	Fail  error

	mu    sync.Mutex
	conns []*PeerConnection
}

func NewFactory(owner domain.MemberID) *Factory {
	return &Factory{Owner: owner}
}

func (f *Factory) NewPeerConnection(peer domain.MemberID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	pc := &PeerConnection{Owner: f.Owner, Peer: peer}
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *Factory) Conns() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.conns...)
}

// ConnsTo returns every connection ever opened to peer, oldest first.
func (f *Factory) ConnsTo(peer domain.MemberID) []*PeerConnection {
	var out []*PeerConnection
	for _, pc := range f.Conns() {
		if pc.Peer == peer {
			out = append(out, pc)
		}
	}
	return out
}

// Open counts connections not yet closed.
func (f *Factory) Open() int {
	n := 0
	for _, pc := range f.Conns() {
		if !pc.IsClosed() {
			n++
		}
	}
	return n
}
