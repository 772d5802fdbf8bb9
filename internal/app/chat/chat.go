// Package chat is the room's message log, carried by the same mailbox as
// signaling.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const MaxMessageLen = 2000

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
	// ErrSendFailed is the toast-level failure of a user-initiated send.
	ErrSendFailed = errors.New("message not sent")
)

type Chat struct {
	mb   *mailbox.Mailbox
	self domain.Identity
	now  func() time.Time
}

func New(mb *mailbox.Mailbox, self domain.Identity) *Chat {
	return &Chat{mb: mb, self: self, now: time.Now}
}

// Send appends a message. Transport failures are not retried.
func (c *Chat) Send(ctx context.Context, text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return domain.ChatMessage{}, ErrMessageTooLong
	}
	rec := domain.MessageRecord{
		SenderID:   c.self.ID,
		SenderName: c.self.Name,
		Text:       text,
		Timestamp:  c.now().UnixMilli(),
	}
	id, err := c.mb.SendMessage(ctx, rec)
	if err != nil {
		log.Warn().Err(err).Str("module", "chat").Str("room", string(c.mb.Room())).Msg("send failed")
		return domain.ChatMessage{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return rec.Message(id), nil
}

// Transcript is every message so far in send order, plus the ones new since
// the previous delivery.
type Transcript struct {
	Messages []domain.ChatMessage
	New      []domain.ChatMessage
}

type Watcher struct {
	sub core.Subscription
	out chan Transcript
}

func (w *Watcher) Updates() <-chan Transcript { return w.out }

func (w *Watcher) Cancel() { w.sub.Cancel() }

// Watch follows the log. The first Transcript carries the full history as new.
func (c *Chat) Watch(ctx context.Context) (*Watcher, error) {
	sub, err := c.mb.Subscribe(ctx, c.mb.MessagesQuery())
	if err != nil {
		return nil, err
	}
	w := &Watcher{sub: sub, out: make(chan Transcript, 16)}
	go func() {
		defer close(w.out)
		for snap := range sub.Events() {
			var t Transcript
			for _, d := range snap.Docs {
				if m, ok := decode(d); ok {
					t.Messages = append(t.Messages, m)
				}
			}
			for _, ch := range snap.Changes {
				if ch.Kind != core.ChangeAdded {
					continue
				}
				if m, ok := decode(ch.Doc); ok {
					t.New = append(t.New, m)
				}
			}
			select {
			case w.out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return w, nil
}

func decode(d core.Document) (domain.ChatMessage, bool) {
	rec, err := mailbox.Decode[domain.MessageRecord](d)
	if err != nil {
		return domain.ChatMessage{}, false
	}
	return rec.Message(d.ID), true
}
