package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/term"

	"github.com/go-authgate/console-cli/apiclient"
	"github.com/go-authgate/console-cli/tokenstore"
	"github.com/go-authgate/console-cli/tui"
)

const (
	cmdLogin  = "login"
	cmdLogout = "logout"
	cmdStatus = "status"
	cmdGet    = "get"
	cmdDelete = "delete"
	cmdPost   = "post"
	cmdPut    = "put"
)

// errUsage marks a malformed command line.
var errUsage = errors.New("invalid usage")

// reportedError wraps a failure the displayer has already shown.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// app wires the credential store, the session endpoints and the API client
// for one consolectl invocation.
type app struct {
	store  tokenstore.Store
	auth   *apiclient.AuthClient
	client *apiclient.Client
	d      tui.Displayer
	out    io.Writer
	stdin  io.Reader
}

func appLogger() *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

func newApp(store tokenstore.Store, d tui.Displayer, out io.Writer) *app {
	log := appLogger()

	// The refresh call bypasses the retry client: a refresh token may be
	// single use, so a replayed request could destroy the session.
	auth := apiclient.NewAuthClient(
		serverURL,
		apiclient.WithRefreshPath(refreshPath),
		apiclient.WithSessionPath(sessionPath),
		apiclient.WithAuthHTTPClient(newBaseHTTPClient()),
		apiclient.WithAuthTimeout(sessionTimeout),
	)

	navigator := apiclient.NavigatorFunc(func(target string) error {
		d.SessionExpired(serverURL + target)
		return nil
	})
	redirector := apiclient.NewRedirector(
		store,
		navigator,
		apiclient.WithLoginPath(loginPath),
		apiclient.WithBasePath(appBasePath),
		apiclient.WithLocation(func() string { return location }),
		apiclient.WithRedirectLogger(log),
	)

	opts := []apiclient.Option{
		apiclient.WithBaseURL(apiBase),
		apiclient.WithRedirector(redirector),
		apiclient.WithObserver(d),
		apiclient.WithLogger(log),
		apiclient.WithRefreshCoalescing(!noCoalesce),
	}
	if retryClient != nil {
		opts = append(opts, apiclient.WithDoer(retryClient))
	}

	return &app{
		store:  store,
		auth:   auth,
		client: apiclient.NewClient(serverURL, store, auth, opts...),
		d:      d,
		out:    out,
		stdin:  os.Stdin,
	}
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case cmdLogin:
		return a.login(ctx, rest)
	case cmdLogout:
		return a.logout()
	case cmdStatus:
		return a.status()
	case cmdGet, cmdDelete:
		if len(rest) != 1 {
			return fmt.Errorf("%w: %s <path>", errUsage, cmd)
		}
		return a.request(ctx, strings.ToUpper(cmd), rest[0], nil)
	case cmdPost, cmdPut:
		if len(rest) < 1 || len(rest) > 2 {
			return fmt.Errorf("%w: %s <path> [body|@file|-]", errUsage, cmd)
		}
		var arg string
		if len(rest) == 2 {
			arg = rest[1]
		}
		body, err := readBody(arg, a.stdin)
		if err != nil {
			return err
		}
		return a.request(ctx, strings.ToUpper(cmd), rest[0], body)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet(cmdLogin, flag.ContinueOnError)
	username := fs.String("username", getEnv("USERNAME", ""), "Account name (or USERNAME env)")
	password := fs.String("password", getEnv("PASSWORD", ""), "Password (or PASSWORD env)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *username == "" || *password == "" {
		if err := a.promptCredentials(username, password); err != nil {
			return err
		}
	}

	loginCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	token, err := a.auth.Login(loginCtx, *username, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	// The new session replaces the old one as a whole, refresh token included.
	if err := a.store.Clear(); err != nil {
		a.d.TokenSaveFailed(err)
		return err
	}
	if err := a.store.SetAccessToken(token.AccessToken); err != nil {
		a.d.TokenSaveFailed(err)
		return err
	}
	if token.RefreshToken != "" {
		if err := a.store.SetRefreshToken(token.RefreshToken); err != nil {
			a.d.TokenSaveFailed(err)
			return err
		}
	}

	a.d.LoggedIn(profile)
	return nil
}

// promptCredentials asks for whatever is missing when stdin is a terminal.
func (a *app) promptCredentials(username, password *string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("username and password are required (use -username/-password or USERNAME/PASSWORD env)")
	}

	if *username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read username: %w", err)
		}
		*username = strings.TrimSpace(line)
	}

	if *password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		*password = string(secret)
	}
	return nil
}

func (a *app) logout() error {
	if err := a.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	a.d.LoggedOut(profile)
	return nil
}

func (a *app) status() error {
	access, hasAccess := a.store.AccessToken()
	_, hasRefresh := a.store.RefreshToken()

	st := tui.MsgTokenStatus{
		Profile:         profile,
		HasAccessToken:  hasAccess,
		HasRefreshToken: hasRefresh,
	}
	if hasAccess {
		st.Subject, st.ExpiresAt = describeAccessToken(access)
	}

	a.d.TokenStatus(st)
	return nil
}

// describeAccessToken reads the subject and expiry of a JWT access token
// without verifying it. Opaque tokens yield zero values.
func describeAccessToken(token string) (string, time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}
	}

	subject, _ := claims.GetSubject()
	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return subject, expiresAt
}

func (a *app) request(ctx context.Context, method, path string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, apiRequestTimeout)
	defer cancel()

	a.d.SendingRequest(method, path)
	resp, err := a.client.Do(reqCtx, &apiclient.Request{
		Method: method,
		Path:   path,
		Body:   body,
		Header: http.Header{"Accept": []string{"application/json"}},
	})
	if err != nil {
		// The redirector has already told the user where to sign in.
		if !errors.Is(err, apiclient.ErrUnrecoverable) {
			a.d.APICallFailed(err)
		}
		return &reportedError{err: err}
	}

	if _, err := a.out.Write(resp.Data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if len(resp.Data) > 0 && resp.Data[len(resp.Data)-1] != '\n' {
		fmt.Fprintln(a.out)
	}

	a.d.APICallOK(resp.Status, len(resp.Data))
	return nil
}

// readBody resolves a request body argument: empty for none, "-" for stdin,
// "@file" for a file, anything else as literal JSON.
func readBody(arg string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
	default:
		data = []byte(arg)
	}

	if !json.Valid(data) {
		return nil, errors.New("request body is not valid JSON")
	}
	return data, nil
}
