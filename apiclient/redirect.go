package apiclient

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-authgate/console-cli/tokenstore"
)

// DefaultLoginPath is the login entry point of the console.
const DefaultLoginPath = "/session/new"

// Navigator moves the user to target.
type Navigator interface {
	Navigate(target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(target string) error

func (f NavigatorFunc) Navigate(target string) error {
	return f(target)
}

// Redirector ends a session that can not be recovered: it clears the stored
// credentials and sends the user to the login entry point, remembering where
// they were.
type Redirector struct {
	store     tokenstore.Store
	navigator Navigator
	loginPath string
	basePath  string
	location  func() string
	logger    *slog.Logger
}

// RedirectOption configures a Redirector.
type RedirectOption func(*Redirector)

// WithLoginPath overrides the login entry point.
func WithLoginPath(path string) RedirectOption {
	return func(r *Redirector) {
		r.loginPath = path
	}
}

// WithBasePath sets the application prefix stripped from the current path.
func WithBasePath(base string) RedirectOption {
	return func(r *Redirector) {
		r.basePath = strings.TrimRight(base, "/")
	}
}

// WithLocation sets the source of the current in-app path.
func WithLocation(location func() string) RedirectOption {
	return func(r *Redirector) {
		r.location = location
	}
}

// WithRedirectLogger sets the structured logger.
func WithRedirectLogger(l *slog.Logger) RedirectOption {
	return func(r *Redirector) {
		r.logger = l
	}
}

// NewRedirector returns a Redirector clearing store and navigating through
// navigator.
func NewRedirector(store tokenstore.Store, navigator Navigator, opts ...RedirectOption) *Redirector {
	r := &Redirector{
		store:     store,
		navigator: navigator,
		loginPath: DefaultLoginPath,
		location:  func() string { return "/" },
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoginURL returns the login entry point carrying currentPath, minus the
// application base path, as the request_path query parameter.
func (r *Redirector) LoginURL(currentPath string) string {
	path := currentPath
	if r.basePath != "" && (path == r.basePath || strings.HasPrefix(path, r.basePath+"/")) {
		path = strings.TrimPrefix(path, r.basePath)
	}
	if path == "" {
		path = "/"
	}

	params := url.Values{}
	params.Set("request_path", path)
	return r.loginPath + "?" + params.Encode()
}

// Redirect clears the credentials and navigates to the login entry point.
func (r *Redirector) Redirect() error {
	if err := r.store.Clear(); err != nil {
		r.logger.Error("failed to clear credentials", "error", err)
	}
	return r.navigate()
}

func (r *Redirector) navigate() error {
	target := r.LoginURL(r.location())
	r.logger.Warn("session expired, redirecting to login", "target", target)
	return r.navigator.Navigate(target)
}

// Handle redirects when err is an unrecoverable authentication failure and
// returns err unchanged in every case.
func (r *Redirector) Handle(err error) error {
	if err == nil || !errors.Is(err, ErrUnrecoverable) {
		return err
	}

	var navErr error
	var unrecoverable *UnrecoverableError
	if errors.As(err, &unrecoverable) && unrecoverable.cleared {
		navErr = r.navigate()
	} else {
		navErr = r.Redirect()
	}
	if navErr != nil {
		r.logger.Error("failed to navigate to login", "error", navErr)
	}
	return err
}
