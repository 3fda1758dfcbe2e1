package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgebus/internal/protocol"
)

var ErrDuplicateToken = errors.New("session: duplicate reply token")

// PendingReply tracks one send awaiting a reply correlated by token.
type PendingReply struct {
	Token    string
	Address  string
	QueuedAt time.Time
	// Deliver consumes the reply. Whoever takes the entry from the outbox
	// owns the single call to Deliver.
	Deliver func(env protocol.Envelope, err error)

	timer *time.Timer
}

// ReplyOutbox stores pending replies by token. Take is the only way an
// entry leaves the outbox besides Drain, so each entry is consumed once.
type ReplyOutbox struct {
	mu    sync.Mutex
	items map[string]*PendingReply
}

func NewReplyOutbox() *ReplyOutbox {
	return &ReplyOutbox{
		items: make(map[string]*PendingReply),
	}
}

func (o *ReplyOutbox) Insert(item *PendingReply) error {
	key := strings.TrimSpace(item.Token)
	if key == "" {
		return errors.New("session: empty reply token")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[key]; ok {
		return ErrDuplicateToken
	}
	o.items[key] = item
	return nil
}

// SetTimer attaches an expiry timer to a pending entry. It returns false
// when the entry is already gone; the caller then owns stopping t.
func (o *ReplyOutbox) SetTimer(token string, t *time.Timer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[token]
	if !ok {
		return false
	}
	item.timer = t
	return true
}

// Take removes and returns the entry for token, stopping its expiry timer.
func (o *ReplyOutbox) Take(token string) (*PendingReply, bool) {
	o.mu.Lock()
	item, ok := o.items[token]
	if ok {
		delete(o.items, token)
	}
	o.mu.Unlock()
	if ok && item.timer != nil {
		item.timer.Stop()
	}
	return item, ok
}

// Len is the number of replies still awaited.
func (o *ReplyOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Drain empties the outbox and stops every expiry timer. Drained entries
// are returned but never delivered by the outbox.
func (o *ReplyOutbox) Drain() []*PendingReply {
	o.mu.Lock()
	items := o.items
	o.items = make(map[string]*PendingReply)
	o.mu.Unlock()
	out := make([]*PendingReply, 0, len(items))
	for _, item := range items {
		if item.timer != nil {
			item.timer.Stop()
		}
		out = append(out, item)
	}
	return out
}
