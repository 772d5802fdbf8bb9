// Package mesh owns one peer connection per remote member and drives the
// offer/answer/candidate exchange through the mailbox.
package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotActive = errors.New("mesh not active")

// LocalMedia is the read-only view of the local stream the mesh attaches to
// every new connection.
type LocalMedia interface {
	Tracks() []core.LocalTrack
}

type StreamEventKind int

const (
	// StreamPublished carries the peer's stream with every track seen so far.
	StreamPublished StreamEventKind = iota
	StreamRemoved
)

func (k StreamEventKind) String() string {
	if k == StreamPublished {
		return "published"
	}
	return "removed"
}

type StreamEvent struct {
	Kind   StreamEventKind
	Stream core.RemoteStream
}

type Manager struct {
	self    domain.Member
	mb      *mailbox.Mailbox
	factory core.PeerConnectionFactory
	media   LocalMedia

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	active       bool
	started      bool
	sessions     map[domain.MemberID]*peerSession
	streams      map[domain.MemberID]*core.RemoteStream
	offers       core.Subscription
	events       chan StreamEvent
	eventsClosed bool

	wg sync.WaitGroup
}

func NewManager(self domain.Member, mb *mailbox.Mailbox, factory core.PeerConnectionFactory, media LocalMedia) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:     self,
		mb:       mb,
		factory:  factory,
		media:    media,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[domain.MemberID]*peerSession),
		streams:  make(map[domain.MemberID]*core.RemoteStream),
		events:   make(chan StreamEvent, 64),
	}
}

// Events delivers remote stream changes for rendering. Closed by Close.
func (m *Manager) Events() <-chan StreamEvent { return m.events }

// Start opens the inbound offer subscription. Offers already waiting in the
// initial snapshot were written before our presence record existed, so they
// belong to an earlier incarnation and are discarded unanswered.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("mesh already started")
	}
	m.started = true
	m.mu.Unlock()

	sub, err := m.mb.Subscribe(m.ctx, m.mb.OffersFor(m.self.ID))
	if err != nil {
		return err
	}

	var initial core.Snapshot
	select {
	case snap, ok := <-sub.Events():
		if !ok {
			return ErrNotActive
		}
		initial = snap
	case <-ctx.Done():
		sub.Cancel()
		return ctx.Err()
	}
	for _, d := range initial.Docs {
		log.Info().Str("module", "mesh").Str("offer", d.ID).Msg("discarding stale offer")
		m.consumeOffer(d.ID)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		sub.Cancel()
		return ErrNotActive
	}
	m.offers = sub
	m.active = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.offerLoop(sub)
	return nil
}

func (m *Manager) offerLoop(sub core.Subscription) {
	defer m.wg.Done()
	for snap := range sub.Events() {
		for _, ch := range snap.Changes {
			if ch.Kind == core.ChangeAdded {
				m.handleOffer(ch.Doc)
			}
		}
	}
	if m.isActive() {
		log.Warn().Str("module", "mesh").Msg("offer subscription ended")
	}
}

func (m *Manager) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) consumeOffer(id string) {
	if err := m.mb.ConsumeOffer(m.ctx, id); err != nil {
		log.Debug().Err(err).Str("module", "mesh").Str("offer", id).Msg("delete offer")
	}
}

// handleOffer answers one inbound offer. The offer record is deleted however
// answering turns out.
func (m *Manager) handleOffer(d core.Document) {
	rec, err := mailbox.Decode[domain.OfferRecord](d)
	if err != nil || rec.CallerID == "" || rec.CallerID == m.self.ID {
		log.Warn().Err(err).Str("module", "mesh").Str("offer", d.ID).Msg("dropping malformed offer")
		m.consumeOffer(d.ID)
		return
	}
	peer := rec.CallerID

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	old, exists := m.sessions[peer]
	if exists && old.id == d.ID {
		m.mu.Unlock()
		log.Debug().Str("module", "mesh").Str("peer", string(peer)).Err(domain.ErrNegotiationRace).Msg("duplicate offer")
		return
	}
	if exists {
		m.removeStreamLocked(peer)
	}
	s := newPeerSession(m, peer, d.ID, mailbox.RoleAnswerer)
	m.sessions[peer] = s
	m.mu.Unlock()

	if exists {
		log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("offer replaces existing session")
		old.close()
	}

	if err := s.answer(rec.Offer); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("answer failed")
		m.drop(s)
	} else {
		log.Info().Str("module", "mesh").Str("peer", string(peer)).Str("session", s.id).Msg("answer sent")
	}
	m.consumeOffer(d.ID)
}

// PeerJoined opens a session to peer when we are the offering side: the
// member that entered first offers, so two members never offer each other.
func (m *Manager) PeerJoined(peer domain.Member) {
	if peer.ID == m.self.ID {
		return
	}
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if _, ok := m.sessions[peer.ID]; ok {
		m.mu.Unlock()
		return
	}
	if !m.self.Precedes(peer) {
		m.mu.Unlock()
		log.Debug().Str("module", "mesh").Str("peer", string(peer.ID)).Msg("awaiting offer")
		return
	}
	s := newPeerSession(m, peer.ID, mailbox.NewSessionID(), mailbox.RoleOfferer)
	m.sessions[peer.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := s.offer(); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(peer.ID)).Msg("offer failed")
			m.drop(s)
			return
		}
		log.Info().Str("module", "mesh").Str("peer", string(peer.ID)).Str("session", s.id).Msg("offer sent")
	}()
}

// PeerLeft closes the peer's session, if any. Safe mid-negotiation.
func (m *Manager) PeerLeft(peer domain.MemberID) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if ok {
		delete(m.sessions, peer)
		m.removeStreamLocked(peer)
	}
	m.mu.Unlock()
	if ok {
		s.close()
		log.Info().Str("module", "mesh").Str("peer", string(peer)).Msg("session closed")
	}
}

// drop removes s if it is still the current session for its peer.
func (m *Manager) drop(s *peerSession) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.peer]; ok && cur == s {
		delete(m.sessions, s.peer)
		m.removeStreamLocked(s.peer)
	}
	m.mu.Unlock()
	s.close()
}

func (m *Manager) current(s *peerSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && m.sessions[s.peer] == s
}

func (m *Manager) addRemoteTrack(s *peerSession, t core.RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.sessions[s.peer] != s {
		return
	}
	st, ok := m.streams[s.peer]
	if !ok {
		st = &core.RemoteStream{PeerID: s.peer, StreamID: t.StreamID}
		m.streams[s.peer] = st
	}
	for _, have := range st.Tracks {
		if have.ID == t.ID {
			return
		}
	}
	st.Tracks = append(st.Tracks, t)
	log.Info().Str("module", "mesh").Str("peer", string(s.peer)).Str("kind", string(t.Kind)).Msg("remote track")
	m.emitLocked(StreamEvent{Kind: StreamPublished, Stream: copyStream(st)})
}

func (m *Manager) removeStreamLocked(peer domain.MemberID) {
	st, ok := m.streams[peer]
	if !ok {
		return
	}
	delete(m.streams, peer)
	m.emitLocked(StreamEvent{Kind: StreamRemoved, Stream: copyStream(st)})
}

func (m *Manager) emitLocked(e StreamEvent) {
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- e:
	default:
		log.Warn().Str("module", "mesh").Str("peer", string(e.Stream.PeerID)).Msg("stream event dropped")
	}
}

func copyStream(st *core.RemoteStream) core.RemoteStream {
	out := *st
	out.Tracks = append([]core.RemoteTrack(nil), st.Tracks...)
	return out
}

// RemoteStreams is the currently published set.
func (m *Manager) RemoteStreams() []core.RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.RemoteStream, 0, len(m.streams))
	for _, st := range m.streams {
		out = append(out, copyStream(st))
	}
	return out
}

func (m *Manager) Peers() []domain.MemberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MemberID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *Manager) snapshotSessions() []*peerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ReplaceTrack swaps the outgoing track of the given kind on every session.
// No offer or answer is exchanged.
func (m *Manager) ReplaceTrack(kind domain.TrackKind, track core.LocalTrack) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, s := range m.snapshotSessions() {
		c, err := s.replace(kind, track)
		n += c
		if err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// StopWatching cancels every subscription and in-flight write. Connections
// stay open until Close.
func (m *Manager) StopWatching() {
	m.mu.Lock()
	m.active = false
	offers := m.offers
	m.offers = nil
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	if offers != nil {
		offers.Cancel()
	}
	for _, s := range sessions {
		s.stopWatching()
	}
}

// Close tears down every session and ends the event stream. Idempotent.
func (m *Manager) Close() {
	m.StopWatching()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.MemberID]*peerSession)
	m.streams = make(map[domain.MemberID]*core.RemoteStream)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.wg.Wait()

	m.mu.Lock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
	m.mu.Unlock()
}
