package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps a profile's credentials as a single JSON secret in the
// operating system keychain.
type KeyringStore struct {
	service string
	profile string
	logger  *slog.Logger

	// serializes read-modify-write of the secret within this process
	mu sync.Mutex
}

// NewKeyringStore returns a store writing to the keychain entry
// (service, profile).
func NewKeyringStore(service, profile string, logger *slog.Logger) *KeyringStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &KeyringStore{
		service: service,
		profile: profile,
		logger:  logger,
	}
}

func (s *KeyringStore) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := s.load()
	if creds == nil || creds.AccessToken == "" {
		return "", false
	}
	return creds.AccessToken, true
}

func (s *KeyringStore) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := s.load()
	if creds == nil || creds.RefreshToken == "" {
		return "", false
	}
	return creds.RefreshToken, true
}

func (s *KeyringStore) SetAccessToken(token string) error {
	return s.update(func(c *Credentials) {
		c.AccessToken = token
	})
}

func (s *KeyringStore) SetRefreshToken(token string) error {
	return s.update(func(c *Credentials) {
		c.RefreshToken = token
	})
}

func (s *KeyringStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.service, s.profile); err != nil &&
		!errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}
	return nil
}

func (s *KeyringStore) load() *Credentials {
	secret, err := keyring.Get(s.service, s.profile)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			s.logger.Warn("could not read keyring entry", "service", s.service, "error", err)
		}
		return nil
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		s.logger.Warn("could not parse keyring entry", "service", s.service, "error", err)
		return nil
	}
	return &creds
}

func (s *KeyringStore) update(fn func(*Credentials)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := s.load()
	if creds == nil {
		creds = &Credentials{}
	}
	fn(creds)
	creds.UpdatedAt = time.Now()

	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.service, s.profile, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring entry: %w", err)
	}
	return nil
}
