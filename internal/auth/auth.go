// Package auth tracks who is signed in and hands out bearer credentials for
// the remote chat store.
package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type EventKind int

const (
	EventSignedIn EventKind = iota + 1
	EventSignedOut
)

func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	UserID string
}

// Provider is the identity side of the session: the current user, their
// credential and sign-in/sign-out notifications.
type Provider interface {
	CurrentUserID() string
	Credential(ctx context.Context) (string, error)
	RefreshCredential(ctx context.Context) (string, error)
	Subscribe(fn func(Event)) (unsubscribe func())
}

var ErrSignedOut = errors.New("not signed in")

type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

func (h *hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// publish calls subscribers outside the lock so they may unsubscribe.
func (h *hub) publish(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
