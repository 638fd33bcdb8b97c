// Package tokenstore holds the current access and refresh credentials of a
// console session.
//
// A Store keeps at most one access token and one refresh token; writes
// overwrite in place. Backends other than MemoryStore outlive the process.
package tokenstore

import (
	"log/slog"
	"time"
)

// Store is the credential holder shared by the API client and the session
// redirector.
type Store interface {
	// AccessToken returns the current access token. Storage failures are
	// reported as an absent token.
	AccessToken() (string, bool)
	SetAccessToken(token string) error
	// RefreshToken returns the current refresh token. Storage failures are
	// reported as an absent token.
	RefreshToken() (string, bool)
	SetRefreshToken(token string) error
	// Clear removes both tokens.
	Clear() error
}

// Credentials is the persisted form of a profile's tokens.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c *Credentials) empty() bool {
	return c == nil || (c.AccessToken == "" && c.RefreshToken == "")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
