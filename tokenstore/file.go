package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// fileContents is the on-disk layout, one entry per profile.
type fileContents struct {
	Profiles map[string]*Credentials `json:"profiles"`
}

// FileStore persists credentials in a JSON file shared by several profiles.
type FileStore struct {
	path    string
	profile string
	logger  *slog.Logger
	now     func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger used to report unreadable token files.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// NewFileStore returns a store that keeps profile's tokens in the file at path.
func NewFileStore(path, profile string, opts ...FileOption) *FileStore {
	s := &FileStore{
		path:    path,
		profile: profile,
		logger:  discardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the token file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) AccessToken() (string, bool) {
	creds := s.load()
	if creds == nil || creds.AccessToken == "" {
		return "", false
	}
	return creds.AccessToken, true
}

func (s *FileStore) RefreshToken() (string, bool) {
	creds := s.load()
	if creds == nil || creds.RefreshToken == "" {
		return "", false
	}
	return creds.RefreshToken, true
}

func (s *FileStore) SetAccessToken(token string) error {
	return s.update(func(c *Credentials) {
		c.AccessToken = token
	})
}

func (s *FileStore) SetRefreshToken(token string) error {
	return s.update(func(c *Credentials) {
		c.RefreshToken = token
	})
}

func (s *FileStore) Clear() error {
	return s.update(func(c *Credentials) {
		c.AccessToken = ""
		c.RefreshToken = ""
	})
}

// load reads the current profile's entry without taking the lock; writers
// replace the file atomically so readers never see a partial write.
func (s *FileStore) load() *Credentials {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("could not read token file", "path", s.path, "error", err)
		}
		return nil
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		s.logger.Warn("could not parse token file", "path", s.path, "error", err)
		return nil
	}

	return contents.Profiles[s.profile]
}

// update applies fn to the profile's entry and rewrites the file, keeping
// every other profile intact.
func (s *FileStore) update(fn func(*Credentials)) error {
	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.logger.Warn("failed to release token file lock", "path", s.path, "error", releaseErr)
		}
	}()

	var contents fileContents
	if existing, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(existing, &contents); err != nil {
			// a corrupt file is replaced rather than blocking every write
			s.logger.Warn("discarding unparsable token file", "path", s.path, "error", err)
			contents = fileContents{}
		}
	}
	if contents.Profiles == nil {
		contents.Profiles = make(map[string]*Credentials)
	}

	creds := contents.Profiles[s.profile]
	if creds == nil {
		creds = &Credentials{}
	}
	fn(creds)
	creds.UpdatedAt = s.now()

	if creds.empty() {
		delete(contents.Profiles, s.profile)
	} else {
		contents.Profiles[s.profile] = creds
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
