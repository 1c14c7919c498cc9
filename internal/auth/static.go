package auth

import (
	"context"
	"sync"
)

// StaticProvider holds a fixed credential. Used for local development against
// a docstore configured with static tokens.
type StaticProvider struct {
	hub
	mu        sync.Mutex
	userID    string
	token     string
	refreshes int
}

func NewStaticProvider(userID, token string) *StaticProvider {
	return &StaticProvider{userID: userID, token: token}
}

func (p *StaticProvider) CurrentUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *StaticProvider) Credential(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID == "" {
		return "", ErrSignedOut
	}
	return p.token, nil
}

// RefreshCredential returns the same token; a static token cannot be renewed.
func (p *StaticProvider) RefreshCredential(ctx context.Context) (string, error) {
	p.mu.Lock()
	p.refreshes++
	p.mu.Unlock()
	return p.Credential(ctx)
}

func (p *StaticProvider) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func (p *StaticProvider) SignIn(userID, token string) {
	p.mu.Lock()
	p.userID, p.token = userID, token
	p.mu.Unlock()
	p.publish(Event{Kind: EventSignedIn, UserID: userID})
}

func (p *StaticProvider) SignOut() {
	p.mu.Lock()
	prev := p.userID
	p.userID, p.token = "", ""
	p.mu.Unlock()
	if prev != "" {
		p.publish(Event{Kind: EventSignedOut, UserID: prev})
	}
}
