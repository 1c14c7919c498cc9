// Package remote is the client side of the authenticated document store that
// mirrors chat records. Every call carries a bearer credential; an expired
// credential is refreshed exactly once per call before giving up.
package remote

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"ai-chatsync/internal/chat"
)

// Store is CRUD over records keyed by (ownerID, id). Put is an idempotent upsert.
type Store interface {
	Get(ctx context.Context, ownerID, id string) (chat.Record, error)
	List(ctx context.Context, ownerID string) ([]chat.Record, error)
	Put(ctx context.Context, record chat.Record) error
	Delete(ctx context.Context, ownerID, id string) error
}

// Credentials supplies bearer tokens. It is implemented by the auth provider.
type Credentials interface {
	Credential(ctx context.Context) (string, error)
	RefreshCredential(ctx context.Context) (string, error)
}

var (
	ErrTransient         = errors.New("remote store unavailable")
	ErrCredentialExpired = errors.New("credential expired")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("record not found")
	ErrRejected          = errors.New("request rejected")
)

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// withCredential runs call with the current credential. On ErrCredentialExpired
// it refreshes once and retries once; a second expiry is a hard failure.
func withCredential(ctx context.Context, creds Credentials, call func(token string) error) error {
	if creds == nil {
		return errors.Wrap(ErrUnauthorized, "no credential source")
	}
	token, err := creds.Credential(ctx)
	if err != nil {
		return errors.Wrapf(ErrUnauthorized, "credential: %v", err)
	}
	err = call(token)
	if !errors.Is(err, ErrCredentialExpired) {
		return err
	}
	log.Info().Msg("🔑 credential expired, refreshing once")
	token, err = creds.RefreshCredential(ctx)
	if err != nil {
		return errors.Wrapf(ErrUnauthorized, "refresh credential: %v", err)
	}
	err = call(token)
	if errors.Is(err, ErrCredentialExpired) {
		return errors.Wrap(ErrUnauthorized, "credential still expired after refresh")
	}
	return err
}
