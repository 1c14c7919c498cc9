package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Scopes requested at sign-in. The docstore verifies the access token against
// Google's tokeninfo endpoint and keys chats by the returned user id.
var Scopes = []string{oauth2api.UserinfoEmailScope, "openid"}

// UserInfoFunc resolves the Google account behind a token source.
type UserInfoFunc func(ctx context.Context, ts oauth2.TokenSource) (id, email string, err error)

// GoogleProvider signs a user in with the OAuth2 authorization code flow and
// refreshes the access token on demand. Concurrent refreshes are collapsed
// into one request.
type GoogleProvider struct {
	hub
	cfg      *oauth2.Config
	repo     TokenRepository
	userInfo UserInfoFunc

	mu     sync.Mutex
	userID string
	email  string
	token  *oauth2.Token

	refresh singleflight.Group
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string, repo TokenRepository) *GoogleProvider {
	return &GoogleProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		repo:     repo,
		userInfo: googleUserInfo,
	}
}

// WithEndpoint points the provider at another OAuth2 server.
func (p *GoogleProvider) WithEndpoint(e oauth2.Endpoint) *GoogleProvider {
	p.cfg.Endpoint = e
	return p
}

func (p *GoogleProvider) WithUserInfo(fn UserInfoFunc) *GoogleProvider {
	p.userInfo = fn
	return p
}

func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Restore signs the stored user back in. It is a no-op without a stored token.
func (p *GoogleProvider) Restore(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	st, err := p.repo.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	p.set(st.UserID, st.Email, st.Token)
	log.Info().Str("user_id", st.UserID).Msg("🔑 session restored")
	p.publish(Event{Kind: EventSignedIn, UserID: st.UserID})
	return nil
}

// Exchange completes sign-in with an authorization code.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) error {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "exchange code")
	}
	id, email, err := p.userInfo(ctx, p.cfg.TokenSource(ctx, tok))
	if err != nil {
		return errors.Wrap(err, "fetch user info")
	}
	if id == "" {
		return errors.New("user info has no id")
	}
	p.set(id, email, tok)
	if p.repo != nil {
		if err := p.repo.Save(StoredToken{UserID: id, Email: email, Token: tok}); err != nil {
			log.Warn().Err(err).Msg("failed to store token")
		}
	}
	log.Info().Str("user_id", id).Str("email", email).Msg("🔑 signed in")
	p.publish(Event{Kind: EventSignedIn, UserID: id})
	return nil
}

func (p *GoogleProvider) SignOut() error {
	p.mu.Lock()
	prev := p.userID
	p.userID, p.email, p.token = "", "", nil
	p.mu.Unlock()
	var err error
	if p.repo != nil {
		err = p.repo.Clear()
	}
	if prev != "" {
		log.Info().Str("user_id", prev).Msg("🔒 signed out")
		p.publish(Event{Kind: EventSignedOut, UserID: prev})
	}
	return err
}

func (p *GoogleProvider) CurrentUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *GoogleProvider) Email() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.email
}

// Credential returns a valid access token, refreshing it when it has expired.
func (p *GoogleProvider) Credential(ctx context.Context) (string, error) {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok == nil {
		return "", ErrSignedOut
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	return p.RefreshCredential(ctx)
}

// RefreshCredential forces a new access token from the refresh token.
func (p *GoogleProvider) RefreshCredential(ctx context.Context) (string, error) {
	v, err, _ := p.refresh.Do("refresh", func() (any, error) {
		p.mu.Lock()
		cur, userID, email := p.token, p.userID, p.email
		p.mu.Unlock()
		if cur == nil {
			return "", ErrSignedOut
		}
		if cur.RefreshToken == "" {
			return "", errors.New("no refresh token")
		}
		fresh, err := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
		if err != nil {
			return "", errors.Wrap(err, "refresh token")
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = cur.RefreshToken
		}
		p.mu.Lock()
		if p.userID == userID {
			p.token = fresh
		}
		p.mu.Unlock()
		if p.repo != nil {
			if err := p.repo.Save(StoredToken{UserID: userID, Email: email, Token: fresh}); err != nil {
				log.Warn().Err(err).Msg("failed to store refreshed token")
			}
		}
		log.Debug().Str("user_id", userID).Msg("access token refreshed")
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *GoogleProvider) set(id, email string, tok *oauth2.Token) {
	p.mu.Lock()
	p.userID, p.email, p.token = id, email, tok
	p.mu.Unlock()
}

func googleUserInfo(ctx context.Context, ts oauth2.TokenSource) (string, string, error) {
	svc, err := oauth2api.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return "", "", errors.Wrap(err, "oauth2 service")
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", "", err
	}
	return info.Id, info.Email, nil
}
