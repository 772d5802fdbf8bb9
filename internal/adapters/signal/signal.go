// Package signal relays document store operations over websocket. Each
// connection is one authenticated member; frames are the msgpack protocol of
// the remote store client.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store/remote"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IdentityKey is the gin context key holding the authenticated domain.Identity.
const IdentityKey = "identity"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type StoreWSController struct {
	Store    core.DocumentStore
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RoomRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
}

type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// storeSession is one live connection with its member.
type storeSession struct {
	ctx  context.Context
	sid  core.SessionID
	who  domain.Identity
	conn *WsSignalConn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StoreWSController) HandleStore(ctx context.Context, c *gin.Context) {
	v, ok := c.Get(IdentityKey)
	who, _ := v.(domain.Identity)
	if !ok || who.ID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("member", string(who.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 64),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(sid, who, conn, cancel)
	s := &storeSession{ctx: ctx, sid: sid, who: who, conn: conn}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(s, cancel)
}

// send encodes and queues a frame, applying the backpressure policy when
// the connection cannot keep up.
func (ctl *StoreWSController) send(s *storeSession, f *remote.Frame) {
	data, err := remote.Encode(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode frame")
		return
	}
	err = s.conn.TrySend(data)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	dropped := int(s.conn.dropped.Add(1))
	switch ctl.Policy.OnBackPressure(s.who, dropped) {
	case app.KickMember:
		log.Warn().Str("module", "signal").Str("sid", string(s.sid)).Str("member", string(s.who.ID)).Msg("kicking slow member")
		ctl.Registry.Cancel(s.sid)
	case app.DropFrame:
		log.Warn().Str("module", "signal").Str("sid", string(s.sid)).Int("dropped", dropped).Msg("dropped frame")
	}
}
