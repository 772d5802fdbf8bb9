package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var errSessionClosed = errors.New("session closed")

// peerSession is one negotiation with one peer. id names the offer document
// and tags every candidate of the exchange on both sides. Closing it cancels
// its subscriptions and closes its connection in one step.
type peerSession struct {
	m    *Manager
	peer domain.MemberID
	id   string
	role mailbox.Role

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pc       core.PeerConnection
	subs     []core.Subscription
	pending  []domain.ICECandidate
	answered bool
	closed   bool
}

func newPeerSession(m *Manager, peer domain.MemberID, id string, role mailbox.Role) *peerSession {
	ctx, cancel := context.WithCancel(m.ctx)
	return &peerSession{m: m, peer: peer, id: id, role: role, ctx: ctx, cancel: cancel}
}

// open creates the connection and attaches the current local tracks. The
// session lock is held across both so a concurrent track swap either sees
// the connection or happens before the tracks are read.
func (s *peerSession) open() error {
	pc, err := s.m.factory.NewPeerConnection(s.peer)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pc.Close()
		return errSessionClosed
	}
	for _, t := range s.m.media.Tracks() {
		if _, err := pc.AddTrack(t); err != nil {
			s.mu.Unlock()
			_ = pc.Close()
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(s.publishCandidate)
	pc.OnTrack(func(t core.RemoteTrack) { s.m.addRemoteTrack(s, t) })
	pc.OnStateChange(func(st core.ConnectionState) {
		ev := log.Debug()
		if st == core.ConnectionStateFailed {
			ev = log.Warn()
		}
		ev.Str("module", "mesh").Str("peer", string(s.peer)).Str("state", st.String()).Msg("connection state")
	})
	return nil
}

// offer runs the offering side up to publishing the offer. The answer and
// the peer's candidates arrive through the subscriptions opened here.
func (s *peerSession) offer() error {
	if err := s.open(); err != nil {
		return err
	}
	self := s.m.self.ID
	if err := s.watch(s.m.mb.AnswersFrom(self, s.peer), s.onAnswer); err != nil {
		return err
	}
	if err := s.watch(s.m.mb.CandidatesFrom(s.peer, mailbox.RoleAnswerer, self, s.id), s.onCandidate); err != nil {
		return err
	}
	sdp, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.m.mb.PublishOffer(s.ctx, s.id, self, s.peer, sdp); err != nil {
		return err
	}
	return nil
}

// answer runs the answering side for an inbound offer.
func (s *peerSession) answer(offer domain.SessionDescription) error {
	if err := s.open(); err != nil {
		return err
	}
	self := s.m.self.ID
	if err := s.watch(s.m.mb.CandidatesFrom(s.peer, mailbox.RoleOfferer, self, s.id), s.onCandidate); err != nil {
		return err
	}
	if err := s.setRemote(offer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	sdp, err := s.pc.CreateAnswer(s.ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return s.m.mb.PublishAnswer(s.ctx, s.id, self, s.peer, sdp)
}

func (s *peerSession) watch(q core.Query, fn func(core.Document)) error {
	sub, err := s.m.mb.Subscribe(s.ctx, q)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return errSessionClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		for snap := range sub.Events() {
			for _, ch := range snap.Changes {
				if ch.Kind == core.ChangeAdded {
					fn(ch.Doc)
				}
			}
		}
	}()
	return nil
}

func (s *peerSession) publishCandidate(c domain.ICECandidate) {
	if s.ctx.Err() != nil {
		return
	}
	err := s.m.mb.AddCandidate(s.ctx, s.m.self.ID, s.role, s.peer, s.id, c)
	if err != nil && s.ctx.Err() == nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(s.peer)).Msg("publish candidate")
	}
}

// onAnswer applies the first answer for this session and deletes it.
func (s *peerSession) onAnswer(d core.Document) {
	rec, err := mailbox.Decode[domain.AnswerRecord](d)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("dropping malformed answer")
		return
	}
	if rec.Session != s.id {
		log.Debug().Str("module", "mesh").Str("peer", string(s.peer)).Err(domain.ErrNegotiationRace).Msg("answer for another session")
		return
	}

	s.mu.Lock()
	late := s.answered || s.closed || s.pc == nil || s.pc.HasRemoteDescription()
	s.answered = true
	s.mu.Unlock()
	if late || !s.m.current(s) {
		log.Debug().Str("module", "mesh").Str("peer", string(s.peer)).Err(domain.ErrNegotiationRace).Msg("late answer")
		return
	}

	if err := s.setRemote(rec.Answer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(s.peer)).Msg("apply answer")
		s.m.drop(s)
		return
	}
	if err := s.m.mb.ConsumeAnswer(s.ctx, d.ID); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("answer", d.ID).Msg("delete answer")
	}
	log.Info().Str("module", "mesh").Str("peer", string(s.peer)).Msg("answer applied")
}

// onCandidate applies a remote candidate, or queues it until the remote
// description lands.
func (s *peerSession) onCandidate(d core.Document) {
	rec, err := mailbox.Decode[domain.CandidateRecord](d)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pc == nil {
		return
	}
	if !s.pc.HasRemoteDescription() {
		s.pending = append(s.pending, rec.ICECandidate)
		return
	}
	if err := s.pc.AddICECandidate(rec.ICECandidate); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(s.peer)).Msg("add candidate")
	}
}

// setRemote applies desc and flushes queued candidates under one lock, so
// no candidate slips between the two.
func (s *peerSession) setRemote(desc domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pc == nil {
		return errSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(s.peer)).Msg("add queued candidate")
		}
	}
	s.pending = nil
	return nil
}

func (s *peerSession) replace(kind domain.TrackKind, track core.LocalTrack) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pc == nil {
		return 0, nil
	}
	n := 0
	for _, snd := range s.pc.Senders() {
		if snd.Kind() != kind {
			continue
		}
		if err := snd.ReplaceTrack(track); err != nil {
			return n, fmt.Errorf("replace %s track for %s: %w", kind, s.peer, err)
		}
		n++
	}
	return n, nil
}

func (s *peerSession) stopWatching() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

func (s *peerSession) close() {
	s.stopWatching()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	s.pending = nil
	s.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("peer", string(s.peer)).Msg("close connection")
		}
	}
}
