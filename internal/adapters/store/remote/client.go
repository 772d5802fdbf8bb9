package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrUnauthorized is returned by Dial when the server refuses the token.
var ErrUnauthorized = errors.New("unauthorized")

// Client is a DocumentStore backed by a relay server connection.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Frame
	subs    map[uint64]*subscription
	closed  bool

	done chan struct{}
	once sync.Once
}

// Dial connects to the relay's store endpoint with a bearer token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: dial %s: %v", core.ErrUnavailable, url, err)
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		pending: make(map[uint64]chan *Frame),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	log.Info().Str("module", "store.remote").Str("url", url).Msg("connected")
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		subs := c.subs
		c.pending = make(map[uint64]chan *Frame)
		c.subs = make(map[uint64]*subscription)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, ch := range pending {
			close(ch)
		}
		for _, s := range subs {
			s.feed.Cancel()
		}
		log.Info().Str("module", "store.remote").Msg("connection closed")
	})
}

func (c *Client) readPump() {
	defer c.shutdown()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "store.remote").Msg("read error")
			}
			return
		}
		f, err := Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "store.remote").Msg("bad frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *Frame) {
	c.mu.Lock()
	if f.Op == OpSnapshot {
		s, ok := c.subs[f.Sub]
		c.mu.Unlock()
		if ok {
			s.apply(f)
		}
		return
	}
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "store.remote").Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) call(ctx context.Context, f *Frame) (*Frame, error) {
	f.ID = c.nextID.Add(1)
	data, err := Encode(f)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrUnavailable
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	select {
	case c.send <- data:
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		return nil, core.ErrUnavailable
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, core.ErrUnavailable
		}
		if resp.Op == OpError {
			return nil, CodeError(resp.Code, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *Client) Set(ctx context.Context, ref core.Ref, data []byte) error {
	_, err := c.call(ctx, &Frame{Op: OpSet, Collection: ref.Collection, DocID: ref.ID, Data: data})
	return err
}

func (c *Client) Add(ctx context.Context, collection string, data []byte) (string, error) {
	resp, err := c.call(ctx, &Frame{Op: OpAdd, Collection: collection, Data: data})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *Client) Get(ctx context.Context, ref core.Ref) (core.Document, error) {
	resp, err := c.call(ctx, &Frame{Op: OpGet, Collection: ref.Collection, DocID: ref.ID})
	if err != nil {
		return core.Document{}, err
	}
	if len(resp.Docs) != 1 {
		return core.Document{}, core.ErrNotFound
	}
	return resp.Docs[0].Document(), nil
}

func (c *Client) List(ctx context.Context, q core.Query) ([]core.Document, error) {
	resp, err := c.call(ctx, &Frame{Op: OpList, Query: FromQuery(q)})
	if err != nil {
		return nil, err
	}
	return ToDocuments(resp.Docs), nil
}

func (c *Client) Delete(ctx context.Context, ref core.Ref) error {
	_, err := c.call(ctx, &Frame{Op: OpDelete, Collection: ref.Collection, DocID: ref.ID})
	return err
}

func (c *Client) Commit(ctx context.Context, ops []core.Op) error {
	_, err := c.call(ctx, &Frame{Op: OpCommit, Ops: FromOps(ops)})
	return err
}

// Watch registers the subscription before asking the server, so the first
// pushed snapshot cannot overtake the registration.
func (c *Client) Watch(ctx context.Context, q core.Query) (core.Subscription, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	s := &subscription{client: c, ready: make(chan struct{})}
	s.id = c.nextID.Add(1)
	s.feed = store.NewFeed(ctx, s.load)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.feed.Cancel()
		return nil, core.ErrUnavailable
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	if _, err := c.call(ctx, &Frame{Op: OpWatch, Sub: s.id, Query: FromQuery(q)}); err != nil {
		c.dropSub(s.id)
		s.feed.Cancel()
		return nil, err
	}
	// A feed ended by ctx still holds the server-side watch.
	go func() {
		<-s.feed.Done()
		s.Cancel()
	}()
	return s, nil
}

func (c *Client) dropSub(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// subscription mirrors the server's result set; its feed diffs the mirror.
type subscription struct {
	client *Client
	id     uint64
	feed   *store.Feed

	mu        sync.Mutex
	docs      []core.Document
	ready     chan struct{}
	readyOnce sync.Once
}

func (s *subscription) apply(f *Frame) {
	s.mu.Lock()
	s.docs = ToDocuments(f.Docs)
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.feed.Notify()
}

func (s *subscription) load(ctx context.Context) ([]core.Document, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, core.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Document(nil), s.docs...), nil
}

func (s *subscription) Events() <-chan core.Snapshot { return s.feed.Events() }

func (s *subscription) Cancel() {
	s.feed.Cancel()
	if !s.client.dropSub(s.id) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := s.client.call(ctx, &Frame{Op: OpUnwatch, Sub: s.id}); err != nil {
		log.Debug().Err(err).Str("module", "store.remote").Uint64("sub", s.id).Msg("unwatch")
	}
}
