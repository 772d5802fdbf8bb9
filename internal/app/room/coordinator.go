// Package room sequences joining and leaving a meeting room and guarantees
// teardown runs exactly once whichever exit path fires first.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/app/membership"
	"github.com/dkeye/Mesh/internal/app/mesh"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const teardownTimeout = 5 * time.Second

var (
	ErrAlreadyJoined = errors.New("room already joined")
	ErrLeft          = errors.New("room left")
)

type Config struct {
	Room domain.RoomID
	// Identity is nil when nobody is signed in.
	Identity  *domain.Identity
	Store     core.DocumentStore
	Devices   core.MediaDevices
	Factory   core.PeerConnectionFactory
	Navigator Navigator

	IsInterpreter bool
	Language      string
	Now           func() time.Time
}

// Coordinator is the explicit session object for one visit to one room. It
// owns the local media, the roster, the presence record and the mesh.
type Coordinator struct {
	cfg Config
	mb  *mailbox.Mailbox

	mu        sync.Mutex
	state     State
	err       error
	self      domain.Member
	room      domain.Room
	media     *media.Controller
	mesh      *mesh.Manager
	tracker   *membership.Tracker
	roster    membership.Roster
	published bool
	leaving   bool

	once sync.Once
	done chan struct{}
}

func New(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Navigator == nil {
		cfg.Navigator = NavigatorFunc(func(string) {})
	}
	return &Coordinator{
		cfg:   cfg,
		mb:    mailbox.New(cfg.Store, cfg.Room),
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the reason the room ended, nil after a plain leave.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the coordinator reaches Left.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) Mailbox() *mailbox.Mailbox { return c.mb }

func (c *Coordinator) Self() domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Coordinator) Room() domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Media is nil before Join.
func (c *Coordinator) Media() *media.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// Mesh is nil until joining has started the peer session manager.
func (c *Coordinator) Mesh() *mesh.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mesh
}

// Roster includes self.
func (c *Coordinator) Roster() []domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.Sorted()
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Info().Str("module", "room").Str("room", string(c.cfg.Room)).Str("from", c.state.String()).Str("to", s.String()).Msg("state")
	c.state = s
}

// advance moves to s unless teardown already started.
func (c *Coordinator) advance(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaving {
		return false
	}
	c.setStateLocked(s)
	return true
}

// Join runs Idle -> AcquiringMedia -> Joining -> Active. Any failure tears
// down what was set up and leaves the coordinator in Left.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.leaving {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	ident := c.cfg.Identity
	c.mu.Unlock()

	if ident == nil {
		err := domain.NewJoinError("authenticate", domain.ErrUnauthenticated)
		c.teardown(err, LoginPath(string(c.cfg.Room)))
		return err
	}

	room, err := c.mb.LoadRoom(ctx)
	if err != nil {
		return c.fail("load room", err)
	}

	self := domain.NewMember(*ident, c.cfg.Now())
	self.IsInterpreter = c.cfg.IsInterpreter
	self.Language = c.cfg.Language
	ctrl := media.NewController(c.cfg.Devices)

	c.mu.Lock()
	if c.leaving {
		c.mu.Unlock()
		return ErrLeft
	}
	c.room = room
	c.self = self
	c.media = ctrl
	c.setStateLocked(StateAcquiringMedia)
	c.mu.Unlock()

	if err := ctrl.Acquire(ctx); err != nil {
		return c.fail("acquire media", err)
	}
	for _, d := range ctrl.Devices(ctx) {
		log.Debug().Str("module", "room").Str("kind", d.Kind).Str("label", d.Label).Msg("device")
	}

	mgr := mesh.NewManager(self, c.mb, c.cfg.Factory, ctrl)
	tracker := membership.NewTracker(c.mb, self)
	c.mu.Lock()
	if c.leaving {
		c.mu.Unlock()
		mgr.Close()
		return ErrLeft
	}
	c.mesh = mgr
	c.tracker = tracker
	c.setStateLocked(StateJoining)
	c.mu.Unlock()
	ctrl.Bind(mgr)

	// Offers are watched before presence exists, so everything already
	// waiting is known to be stale.
	if err := mgr.Start(ctx); err != nil {
		return c.fail("watch offers", err)
	}

	c.mu.Lock()
	if c.leaving {
		c.mu.Unlock()
		return ErrLeft
	}
	c.published = true
	c.mu.Unlock()
	if err := tracker.Enter(ctx); err != nil {
		return c.fail("publish presence", err)
	}

	updates, err := tracker.Start(ctx)
	if err != nil {
		return c.fail("watch members", err)
	}
	if !c.advance(StateActive) {
		c.purgeAfterLateWrite()
		return ErrLeft
	}
	go c.run(updates, tracker, mgr)
	return nil
}

// fail aborts a join attempt. A Join racing a teardown reports ErrLeft
// instead of the secondary failure.
func (c *Coordinator) fail(op string, err error) error {
	c.mu.Lock()
	leaving := c.leaving
	c.mu.Unlock()
	if leaving {
		c.purgeAfterLateWrite()
		return ErrLeft
	}
	jerr := domain.NewJoinError(op, err)
	log.Warn().Err(err).Str("module", "room").Str("op", op).Msg("join failed")
	c.teardown(jerr, "")
	return jerr
}

// purgeAfterLateWrite removes a presence record whose write landed after the
// teardown batch already ran.
func (c *Coordinator) purgeAfterLateWrite() {
	<-c.done
	c.mu.Lock()
	published, self := c.published, c.self
	c.mu.Unlock()
	if !published {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.mb.PurgeMember(ctx, self.ID); err != nil {
		log.Debug().Err(err).Str("module", "room").Msg("late purge")
	}
}

func (c *Coordinator) run(updates <-chan membership.Update, tracker *membership.Tracker, mgr *mesh.Manager) {
	for u := range updates {
		c.mu.Lock()
		c.roster = u.Roster
		c.mu.Unlock()
		for _, e := range u.Events {
			switch e.Kind {
			case membership.Joined:
				log.Info().Str("module", "room").Str("peer", string(e.Member.ID)).Str("name", e.Member.DisplayName).Msg("joined")
				mgr.PeerJoined(e.Member)
			case membership.Left:
				log.Info().Str("module", "room").Str("peer", string(e.Member.ID)).Msg("left")
				mgr.PeerLeft(e.Member.ID)
			}
		}
	}
	if tracker.Lost() {
		c.teardown(domain.NewJoinError("watch members", domain.ErrTransientNetwork), DashboardPath)
	}
}

// Leave is the explicit exit and also serves window unload. Safe to call
// concurrently and repeatedly; Join in flight is abandoned.
func (c *Coordinator) Leave() {
	c.teardown(nil, DashboardPath)
	<-c.done
}

// teardown runs its side effects once: cancel subscriptions, stop local
// media, close connections, delete presence and candidates, navigate.
func (c *Coordinator) teardown(cause error, navigate string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.leaving = true
		if c.err == nil {
			c.err = cause
		}
		c.setStateLocked(StateLeavingInProgress)
		tracker, mgr, ctrl := c.tracker, c.mesh, c.media
		published, self := c.published, c.self
		c.mu.Unlock()

		if tracker != nil {
			tracker.Stop()
		}
		if mgr != nil {
			mgr.StopWatching()
		}
		if ctrl != nil {
			ctrl.Release()
		}
		if mgr != nil {
			mgr.Close()
		}
		if published {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			if err := c.mb.PurgeMember(ctx, self.ID); err != nil {
				log.Warn().Err(err).Str("module", "room").Str("member", string(self.ID)).Msg("cleanup failed")
			}
			cancel()
		}

		c.mu.Lock()
		c.setStateLocked(StateLeft)
		c.mu.Unlock()
		close(c.done)

		if navigate != "" {
			c.cfg.Navigator.Navigate(navigate)
		}
	})
}
