package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// StoredToken is the signed-in identity kept between runs.
type StoredToken struct {
	UserID string        `json:"user_id"`
	Email  string        `json:"email,omitempty"`
	Token  *oauth2.Token `json:"token"`
}

type TokenRepository interface {
	Load() (*StoredToken, error)
	Save(t StoredToken) error
	Clear() error
}

type FileTokenRepository struct {
	path string
	mu   sync.Mutex
}

func NewFileTokenRepository(path string) (*FileTokenRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "ensure dir")
	}
	return &FileTokenRepository{path: path}, nil
}

// Load returns nil when nothing is stored. A malformed file counts as empty.
func (r *FileTokenRepository) Load() (*StoredToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read token")
	}
	var t StoredToken
	if err := json.Unmarshal(data, &t); err != nil || t.UserID == "" || t.Token == nil {
		return nil, nil
	}
	return &t, nil
}

func (r *FileTokenRepository) Save(t StoredToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode token")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write token")
	}
	return errors.Wrap(os.Rename(tmp, r.path), "replace token")
}

func (r *FileTokenRepository) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove token")
	}
	return nil
}
