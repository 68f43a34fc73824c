package brainmessenger

import (
	"context"
	"sync"
)

// ChangeFeed delivers profile change notifications for a user.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string, fn func(ProfileChange)) (Subscription, error)
}

// Subscription is an active ChangeFeed registration.
type Subscription interface {
	Unsubscribe() error
}

type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error { return f() }

// ChangeHub is an in-process ChangeFeed. Anything that learns about profile
// changes (a webhook receiver, a test) publishes into it.
type ChangeHub struct {
	mu    sync.RWMutex
	users map[string]*listeners[ProfileChange]
}

// NewChangeHub creates an empty hub.
func NewChangeHub() *ChangeHub {
	return &ChangeHub{users: make(map[string]*listeners[ProfileChange])}
}

// Subscribe registers fn for changes to userID.
func (h *ChangeHub) Subscribe(_ context.Context, userID string, fn func(ProfileChange)) (Subscription, error) {
	h.mu.Lock()
	l, ok := h.users[userID]
	if !ok {
		l = &listeners[ProfileChange]{}
		h.users[userID] = l
	}
	remove := l.add(fn)
	h.mu.Unlock()
	return subscriptionFunc(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		remove()
		if l.len() == 0 && h.users[userID] == l {
			delete(h.users, userID)
		}
		return nil
	}), nil
}

// Publish delivers c to the subscribers of c.UserID synchronously.
func (h *ChangeHub) Publish(c ProfileChange) {
	h.mu.RLock()
	l := h.users[c.UserID]
	h.mu.RUnlock()
	if l != nil {
		l.emit(c)
	}
}
