package tui

import "time"

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSendingRequest signals that an API request is being dispatched.
type MsgSendingRequest struct {
	Method string
	Path   string
}

// MsgAccessTokenRejected signals that the console answered 401.
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the access token was refreshed.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh endpoint rejected the session.
type MsgRefreshFailed struct{ Err error }

// MsgTokenRefreshedRetrying signals that the original request is being reissued.
type MsgTokenRefreshedRetrying struct{}

// MsgSessionExpired carries the login entry point the user has to visit.
type MsgSessionExpired struct{ LoginURL string }

// MsgAPICallOK signals that the request completed.
type MsgAPICallOK struct {
	Status string
	Size   int
}

// MsgAPICallFailed signals that the request failed.
type MsgAPICallFailed struct{ Err error }

// MsgLoggedIn signals that a new session was stored.
type MsgLoggedIn struct{ Profile string }

// MsgLoggedOut signals that stored credentials were removed.
type MsgLoggedOut struct{ Profile string }

// MsgTokenStatus describes the stored session of a profile.
type MsgTokenStatus struct {
	Profile         string
	HasAccessToken  bool
	HasRefreshToken bool
	Subject         string
	ExpiresAt       time.Time
}

// MsgTokenSaveFailed signals that credentials could not be written.
type MsgTokenSaveFailed struct{ Err error }

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
