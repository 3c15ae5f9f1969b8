package gcal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"shotcal/internal/config"
	appLog "shotcal/internal/log"
)

// ErrNoToken is returned by a TokenStore that has nothing saved yet.
var ErrNoToken = errors.New("no stored oauth token")

// TokenStore persists the user's OAuth token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a 0600 file.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", s.Path, err)
	}
	return &tok, nil
}

func (s FileTokenStore) Save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(s.Path, data)
}

var (
	keyringSet = keyring.Set
	keyringGet = keyring.Get
)

// KeyringTokenStore keeps the token in the OS keychain.
type KeyringTokenStore struct {
	Service string
	User    string
}

// NewKeyringTokenStore returns a store under the "shotcal" keychain service.
func NewKeyringTokenStore() KeyringTokenStore {
	return KeyringTokenStore{Service: "shotcal", User: "google-calendar"}
}

func (s KeyringTokenStore) Load() (*oauth2.Token, error) {
	raw, err := keyringGet(s.Service, s.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode keyring token: %w", err)
	}
	return &tok, nil
}

func (s KeyringTokenStore) Save(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return keyringSet(s.Service, s.User, string(data))
}

// NewTokenStore picks the store named in cfg.
func NewTokenStore(cfg config.GoogleConfig) TokenStore {
	if cfg.TokenStore == config.TokenStoreKeyring {
		return NewKeyringTokenStore()
	}
	return FileTokenStore{Path: cfg.TokenFile}
}

// savingTokenSource persists every token the wrapped source refreshes.
type savingTokenSource struct {
	base  oauth2.TokenSource
	store TokenStore

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(tok); err != nil {
			// The in-memory token is still valid; only persistence failed.
			appLog.Error("failed to persist refreshed token", err)
		} else {
			appLog.Debug("refreshed oauth token persisted", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}
