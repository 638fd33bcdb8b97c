package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of consolectl. It also
// satisfies apiclient.Observer.
type Displayer interface {
	Banner()
	SendingRequest(method, path string)
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
	SessionExpired(loginURL string)
	APICallOK(status string, size int)
	APICallFailed(err error)
	LoggedIn(profile string)
	LoggedOut(profile string)
	TokenStatus(status MsgTokenStatus)
	TokenSaveFailed(err error)
	Fatal(err error)
}

// PlainDisplayer writes plain text to w. Used when stderr is not a TTY
// (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {}

func (p *PlainDisplayer) SendingRequest(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401)")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Retrying request with the new token...")
}

func (p *PlainDisplayer) SessionExpired(loginURL string) {
	fmt.Fprintf(p.w, "Session expired, sign in at %s\n", loginURL)
}

func (p *PlainDisplayer) APICallOK(status string, size int) {
	fmt.Fprintf(p.w, "%s (%d bytes)\n", status, size)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "Request failed: %v\n", err)
}

func (p *PlainDisplayer) LoggedIn(profile string) {
	fmt.Fprintf(p.w, "Logged in, session stored for %s\n", profile)
}

func (p *PlainDisplayer) LoggedOut(profile string) {
	fmt.Fprintf(p.w, "Logged out of %s\n", profile)
}

func (p *PlainDisplayer) TokenStatus(s MsgTokenStatus) {
	fmt.Fprintf(p.w, "Profile:       %s\n", s.Profile)
	fmt.Fprintf(p.w, "Access token:  %s\n", presence(s.HasAccessToken))
	fmt.Fprintf(p.w, "Refresh token: %s\n", presence(s.HasRefreshToken))
	if s.Subject != "" {
		fmt.Fprintf(p.w, "Subject:       %s\n", s.Subject)
	}
	if !s.ExpiresAt.IsZero() {
		fmt.Fprintf(p.w, "Expires:       %s (%s)\n",
			s.ExpiresAt.Local().Format(time.RFC3339), describeExpiry(time.Until(s.ExpiresAt)))
	}
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}

// describeExpiry renders the time left on a token, or how long ago it ran out.
func describeExpiry(d time.Duration) string {
	if d <= 0 {
		return "expired " + formatDuration(-d) + " ago"
	}
	return "in " + formatDuration(d)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                      {}
func (NoopDisplayer) SendingRequest(_, _ string)   {}
func (NoopDisplayer) AccessTokenRejected()         {}
func (NoopDisplayer) Refreshing()                  {}
func (NoopDisplayer) RefreshOK()                   {}
func (NoopDisplayer) RefreshFailed(_ error)        {}
func (NoopDisplayer) TokenRefreshedRetrying()      {}
func (NoopDisplayer) SessionExpired(_ string)      {}
func (NoopDisplayer) APICallOK(_ string, _ int)    {}
func (NoopDisplayer) APICallFailed(_ error)        {}
func (NoopDisplayer) LoggedIn(_ string)            {}
func (NoopDisplayer) LoggedOut(_ string)           {}
func (NoopDisplayer) TokenStatus(_ MsgTokenStatus) {}
func (NoopDisplayer) TokenSaveFailed(_ error)      {}
func (NoopDisplayer) Fatal(_ error)                {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SendingRequest(method, path string) {
	t.p.Send(MsgSendingRequest{Method: method, Path: path})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) SessionExpired(loginURL string) {
	t.p.Send(MsgSessionExpired{LoginURL: loginURL})
}

func (t *ProgramDisplayer) APICallOK(status string, size int) {
	t.p.Send(MsgAPICallOK{Status: status, Size: size})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) LoggedIn(profile string) {
	t.p.Send(MsgLoggedIn{Profile: profile})
}

func (t *ProgramDisplayer) LoggedOut(profile string) {
	t.p.Send(MsgLoggedOut{Profile: profile})
}

func (t *ProgramDisplayer) TokenStatus(status MsgTokenStatus) {
	t.p.Send(status)
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
