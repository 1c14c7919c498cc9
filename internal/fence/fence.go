// Package fence tracks which in-flight request currently owns a conversation.
//
// A response handler asks IsCurrent before touching the visible conversation.
// Issuing a new token for the same key supersedes the old one immediately; no
// network call is cancelled, only its right to update the view.
package fence

import (
	"sync"

	"github.com/google/uuid"
)

type Token string

type Fence struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func New() *Fence {
	return &Fence{tokens: make(map[string]Token)}
}

// Issue stores and returns a fresh token for key.
func (f *Fence) Issue(key string) Token {
	t := Token(uuid.NewString())
	f.mu.Lock()
	f.tokens[key] = t
	f.mu.Unlock()
	return t
}

// IsCurrent is true iff a token is stored for key and equals t.
func (f *Fence) IsCurrent(key string, t Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tokens[key]
	return ok && cur == t
}

// Clear drops the stored token for key.
func (f *Fence) Clear(key string) {
	f.mu.Lock()
	delete(f.tokens, key)
	f.mu.Unlock()
}

// Release clears key only if t still owns it, so a stale handler cannot
// release a newer request's fence.
func (f *Fence) Release(key string, t Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.tokens[key]; ok && cur == t {
		delete(f.tokens, key)
		return true
	}
	return false
}

// Pending reports whether any request currently holds key.
func (f *Fence) Pending(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tokens[key]
	return ok
}

// Reset forgets every token.
func (f *Fence) Reset() {
	f.mu.Lock()
	f.tokens = make(map[string]Token)
	f.mu.Unlock()
}
