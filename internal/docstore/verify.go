package docstore

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

var (
	ErrExpired = errors.New("credential expired")
	ErrInvalid = errors.New("credential invalid")
)

// Verifier resolves a bearer credential to the owner it belongs to.
type Verifier interface {
	Verify(ctx context.Context, credential string) (ownerID string, err error)
}

// GoogleVerifier checks Google access tokens with the tokeninfo endpoint.
// Owners are Google user ids.
type GoogleVerifier struct {
	svc      *oauth2api.Service
	audience string
}

// NewGoogleVerifier builds a verifier. When audience is set, tokens issued to
// other OAuth clients are rejected.
func NewGoogleVerifier(ctx context.Context, audience string, opts ...option.ClientOption) (*GoogleVerifier, error) {
	if len(opts) == 0 {
		opts = []option.ClientOption{option.WithoutAuthentication()}
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "oauth2 service")
	}
	return &GoogleVerifier{svc: svc, audience: audience}, nil
}

func (v *GoogleVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalid
	}
	info, err := v.svc.Tokeninfo().AccessToken(credential).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest {
			// tokeninfo does not tell expired from garbage; let the client refresh once.
			return "", ErrExpired
		}
		return "", errors.Wrap(err, "tokeninfo")
	}
	if info.ExpiresIn <= 0 {
		return "", ErrExpired
	}
	if v.audience != "" && info.Audience != v.audience && info.IssuedTo != v.audience {
		return "", ErrInvalid
	}
	if info.UserId == "" {
		return "", ErrInvalid
	}
	return info.UserId, nil
}

// StaticVerifier maps fixed tokens to owners.
type StaticVerifier struct {
	mu      sync.RWMutex
	owners  map[string]string
	expired map[string]bool
}

// ParseStaticTokens reads "owner=token" pairs separated by commas.
func ParseStaticTokens(s string) (*StaticVerifier, error) {
	v := NewStaticVerifier(nil)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, token, ok := strings.Cut(pair, "=")
		if !ok || owner == "" || token == "" {
			return nil, errors.Errorf("bad token entry %q", pair)
		}
		v.owners[token] = owner
	}
	return v, nil
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	v := &StaticVerifier{owners: make(map[string]string), expired: make(map[string]bool)}
	for token, owner := range tokens {
		v.owners[token] = owner
	}
	return v
}

// Expire makes token fail with ErrExpired until Renew is called.
func (v *StaticVerifier) Expire(token string) {
	v.mu.Lock()
	v.expired[token] = true
	v.mu.Unlock()
}

func (v *StaticVerifier) Renew(token string) {
	v.mu.Lock()
	delete(v.expired, token)
	v.mu.Unlock()
}

func (v *StaticVerifier) Verify(_ context.Context, credential string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.expired[credential] {
		return "", ErrExpired
	}
	owner, ok := v.owners[credential]
	if !ok {
		return "", ErrInvalid
	}
	return owner, nil
}

const (
	VerifierGoogle = "google"
	VerifierStatic = "static"
)

// NewVerifier builds the verifier selected by kind.
func NewVerifier(ctx context.Context, kind, audience, staticTokens string) (Verifier, error) {
	switch kind {
	case VerifierGoogle:
		return NewGoogleVerifier(ctx, audience)
	case VerifierStatic:
		return ParseStaticTokens(staticTokens)
	default:
		return nil, errors.Errorf("unknown verifier %q", kind)
	}
}
