package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/golang-jwt/jwt/v5"

	"github.com/go-authgate/console-cli/apiclient"
	"github.com/go-authgate/console-cli/tokenstore"
	"github.com/go-authgate/console-cli/tui"
)

func init() {
	// Set default values for tests (don't call initConfig to avoid flag parsing)
	if serverURL == "" {
		serverURL = "http://localhost:4000"
	}
	if apiBase == "" {
		apiBase = apiclient.DefaultBaseURL
	}
	if refreshPath == "" {
		refreshPath = apiclient.DefaultRefreshPath
	}
	if sessionPath == "" {
		sessionPath = apiclient.DefaultSessionPath
	}
	if loginPath == "" {
		loginPath = apiclient.DefaultLoginPath
	}
	if location == "" {
		location = "/"
	}
	if profile == "" {
		profile = "test-profile"
	}
	if tokenFile == "" {
		tokenFile = ".console-tokens.json"
	}
	// Initialize retryClient for tests
	if retryClient == nil {
		var err error
		retryClient, err = retry.NewClient()
		if err != nil {
			panic(fmt.Sprintf("failed to create retry client: %v", err))
		}
	}
}

// setGlobal overrides a package level setting for the duration of a test.
func setGlobal[T any](t *testing.T, target *T, value T) {
	t.Helper()
	old := *target
	*target = value
	t.Cleanup(func() { *target = old })
}

// recordingDisplayer captures what the CLI reports.
type recordingDisplayer struct {
	tui.NoopDisplayer

	mu          sync.Mutex
	expiredURLs []string
	failures    []error
	fatals      []error
	statuses    []tui.MsgTokenStatus
	refreshes   int
	okStatus    string
	loggedIn    string
	loggedOut   string
}

func (r *recordingDisplayer) Refreshing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
}

func (r *recordingDisplayer) SessionExpired(loginURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiredURLs = append(r.expiredURLs, loginURL)
}

func (r *recordingDisplayer) APICallOK(status string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.okStatus = status
}

func (r *recordingDisplayer) APICallFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recordingDisplayer) LoggedIn(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loggedIn = p
}

func (r *recordingDisplayer) LoggedOut(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loggedOut = p
}

func (r *recordingDisplayer) TokenStatus(s tui.MsgTokenStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingDisplayer) Fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatals = append(r.fatals, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetConfig(t *testing.T) {
	t.Setenv("CONSOLECTL_TEST_KEY", "from-env")

	if got := getConfig("from-flag", "CONSOLECTL_TEST_KEY", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "CONSOLECTL_TEST_KEY", "default"); got != "from-env" {
		t.Errorf("env should win over default, got %q", got)
	}
	if got := getConfig("", "CONSOLECTL_TEST_UNSET", "default"); got != "default" {
		t.Errorf("expected default, got %q", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("CONSOLECTL_TEST_BOOL", "true")
	if !getEnvBool("CONSOLECTL_TEST_BOOL", false) {
		t.Error("expected true")
	}

	t.Setenv("CONSOLECTL_TEST_BOOL", "not-a-bool")
	if getEnvBool("CONSOLECTL_TEST_BOOL", false) {
		t.Error("unparseable value should fall back to the default")
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://localhost:4000", false},
		{"https with path", "https://console.example.com/landscape", false},
		{"empty", "", true},
		{"missing scheme", "console.example.com", true},
		{"ftp scheme", "ftp://console.example.com", true},
		{"missing host", "https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultProfile(t *testing.T) {
	if got := defaultProfile("https://console.example.com:8443/app"); got != "console.example.com:8443" {
		t.Errorf("got %q", got)
	}
	if got := defaultProfile("::not a url"); got != "default" {
		t.Errorf("got %q", got)
	}
}

func TestParseRetries(t *testing.T) {
	if n, err := parseRetries("3"); err != nil || n != 3 {
		t.Errorf("parseRetries(3) = %d, %v", n, err)
	}
	if _, err := parseRetries("-1"); err == nil {
		t.Error("expected error for negative retries")
	}
	if _, err := parseRetries("many"); err == nil {
		t.Error("expected error for non-numeric retries")
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := parseLogLevel("debug")
	if err != nil || level != slog.LevelDebug {
		t.Errorf("parseLogLevel(debug) = %v, %v", level, err)
	}
	if _, err := parseLogLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReadBody(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "body.json")
	if err := os.WriteFile(file, []byte(`{"from":"file"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		arg     string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "none", arg: "", want: ""},
		{name: "literal", arg: `{"title":"x"}`, want: `{"title":"x"}`},
		{name: "file", arg: "@" + file, want: `{"from":"file"}`},
		{name: "stdin", arg: "-", stdin: `[1,2]`, want: `[1,2]`},
		{name: "missing file", arg: "@" + filepath.Join(dir, "nope.json"), wantErr: true},
		{name: "invalid json", arg: "{title", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readBody(tt.arg, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("readBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribeAccessToken(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice@example.com",
		"exp": expiresAt.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	subject, exp := describeAccessToken(token)
	if subject != "alice@example.com" {
		t.Errorf("subject = %q", subject)
	}
	if !exp.Equal(expiresAt) {
		t.Errorf("expiry = %v, want %v", exp, expiresAt)
	}

	subject, exp = describeAccessToken("opaque-token")
	if subject != "" || !exp.IsZero() {
		t.Errorf("opaque token should describe as zero values, got %q %v", subject, exp)
	}
}

func TestOpenStore(t *testing.T) {
	setGlobal(t, &tokenFile, filepath.Join(t.TempDir(), "tokens.json"))
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, storeFile, "p")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	closeStore()
	if _, ok := store.(*tokenstore.FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", store)
	}

	store, closeStore, err = openStore(ctx, storeMemory, "p")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	closeStore()
	if _, ok := store.(*tokenstore.MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", store)
	}

	if _, _, err := openStore(ctx, "floppy", "p"); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestOpenStore_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	setGlobal(t, &redisURL, "redis://"+mr.Addr()+"/0")

	store, closeStore, err := openStore(context.Background(), storeRedis, "p")
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer closeStore()

	if err := store.SetAccessToken("access"); err != nil {
		t.Fatalf("SetAccessToken: %v", err)
	}
	if got, ok := store.AccessToken(); !ok || got != "access" {
		t.Errorf("AccessToken() = %q, %v", got, ok)
	}
}

func TestOpenStore_RedisUnavailable(t *testing.T) {
	setGlobal(t, &redisURL, "redis://127.0.0.1:1/0")

	if _, _, err := openStore(context.Background(), storeRedis, "p"); err == nil {
		t.Error("expected error when redis is unreachable")
	}
}

// newTestApp points the CLI at srv with credentials held in memory.
func newTestApp(t *testing.T, srv *httptest.Server, store tokenstore.Store) (*app, *recordingDisplayer, *bytes.Buffer) {
	t.Helper()
	setGlobal(t, &serverURL, srv.URL)

	d := &recordingDisplayer{}
	var out bytes.Buffer
	return newApp(store, d, &out), d, &out
}

func TestApp_GetWritesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/computers" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, []string{"web-01", "db-01"})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("access-1")
	a, d, out := newTestApp(t, srv, store)

	if err := a.dispatch(context.Background(), []string{"get", "/computers"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != `["web-01","db-01"]` {
		t.Errorf("stdout = %q", got)
	}
	if d.okStatus != "200 OK" {
		t.Errorf("ok status = %q", d.okStatus)
	}
}

func TestApp_RefreshesExpiredToken(t *testing.T) {
	var refreshCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(apiclient.DefaultRefreshPath, func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"open": 2})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("access-1")
	_ = store.SetRefreshToken("refresh-1")
	a, d, out := newTestApp(t, srv, store)

	if err := a.dispatch(context.Background(), []string{"get", "alerts"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if refreshCalls.Load() != 1 {
		t.Errorf("expected 1 refresh call, got %d", refreshCalls.Load())
	}
	if d.refreshes != 1 {
		t.Errorf("displayer saw %d refreshes", d.refreshes)
	}
	if got, _ := store.AccessToken(); got != "access-2" {
		t.Errorf("stored access token = %q", got)
	}
	if got, _ := store.RefreshToken(); got != "refresh-2" {
		t.Errorf("stored refresh token = %q", got)
	}
	if !strings.Contains(out.String(), `"open":2`) {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestApp_SessionExpiredPointsAtLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	setGlobal(t, &location, "/landscape/computers/7")
	setGlobal(t, &appBasePath, "/landscape")

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("stale")
	a, d, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"get", "/computers/7"})
	if !errors.Is(err, apiclient.ErrUnrecoverable) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
	var reported *reportedError
	if !errors.As(err, &reported) {
		t.Error("unrecoverable error should be marked as already reported")
	}

	want := srv.URL + "/session/new?request_path=%2Fcomputers%2F7"
	if len(d.expiredURLs) != 1 || d.expiredURLs[0] != want {
		t.Errorf("expired urls = %v, want [%s]", d.expiredURLs, want)
	}
	if len(d.failures) != 0 {
		t.Errorf("unrecoverable outcome should not be reported as a failed call: %v", d.failures)
	}
	if _, ok := store.AccessToken(); ok {
		t.Error("access token should be cleared")
	}
}

func TestApp_PostSendsBody(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotBody.Store(payload["title"])
		writeJSON(w, http.StatusCreated, map[string]int{"id": 9})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("access-1")
	a, d, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"post", "/scripts", `{"title":"reboot"}`})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got, _ := gotBody.Load().(string); got != "reboot" {
		t.Errorf("server saw title %q", got)
	}
	if d.okStatus != "201 Created" {
		t.Errorf("ok status = %q", d.okStatus)
	}
}

func TestApp_FailedCallIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown computer"})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("access-1")
	a, d, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"delete", "/computers/99"})
	var respErr *apiclient.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode() != http.StatusNotFound {
		t.Fatalf("expected 404 ResponseError, got %v", err)
	}
	if len(d.failures) != 1 {
		t.Errorf("expected 1 reported failure, got %d", len(d.failures))
	}
	if _, ok := store.AccessToken(); !ok {
		t.Error("a 404 must not touch the session")
	}
}

func TestApp_LoginStoresTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiclient.DefaultSessionPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "alice" || creds["password"] != "s3cret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    900,
		})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	a, d, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"login", "-username", "alice", "-password", "s3cret"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got, _ := store.AccessToken(); got != "access-1" {
		t.Errorf("access token = %q", got)
	}
	if got, _ := store.RefreshToken(); got != "refresh-1" {
		t.Errorf("refresh token = %q", got)
	}
	if d.loggedIn != profile {
		t.Errorf("logged in profile = %q", d.loggedIn)
	}

	err = a.dispatch(context.Background(), []string{"login", "-username", "alice", "-password", "wrong"})
	if err == nil {
		t.Fatal("expected login failure")
	}
}

func TestApp_LogoutAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("opaque")
	_ = store.SetRefreshToken("refresh")
	a, d, _ := newTestApp(t, srv, store)

	if err := a.dispatch(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := a.dispatch(context.Background(), []string{"logout"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := a.dispatch(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("status: %v", err)
	}

	if len(d.statuses) != 2 {
		t.Fatalf("expected 2 status reports, got %d", len(d.statuses))
	}
	if !d.statuses[0].HasAccessToken || !d.statuses[0].HasRefreshToken {
		t.Errorf("first status should show both tokens: %+v", d.statuses[0])
	}
	if d.statuses[1].HasAccessToken || d.statuses[1].HasRefreshToken {
		t.Errorf("status after logout should show no tokens: %+v", d.statuses[1])
	}
	if d.loggedOut != profile {
		t.Errorf("logged out profile = %q", d.loggedOut)
	}
}

func TestApp_Usage(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a, _, _ := newTestApp(t, srv, tokenstore.NewMemoryStore())

	for _, args := range [][]string{
		{"reboot"},
		{"get"},
		{"post", "/a", "{}", "extra"},
	} {
		if err := a.dispatch(context.Background(), args); !errors.Is(err, errUsage) {
			t.Errorf("dispatch(%v) = %v, want errUsage", args, err)
		}
	}
}

func TestApp_LoginReplacesPreviousSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "bob-access"})
	}))
	defer srv.Close()

	store := tokenstore.NewMemoryStore()
	_ = store.SetAccessToken("alice-access")
	_ = store.SetRefreshToken("alice-refresh")
	a, _, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"login", "-username", "bob", "-password", "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got, _ := store.AccessToken(); got != "bob-access" {
		t.Errorf("access token = %q, want bob-access", got)
	}
	if got, ok := store.RefreshToken(); ok {
		t.Errorf("refresh token of the previous session survived: %q", got)
	}
}

func TestApp_LoginUsesSessionPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/sign_in" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "access-1"})
	}))
	defer srv.Close()

	setGlobal(t, &sessionPath, "/auth/sign_in")
	store := tokenstore.NewMemoryStore()
	a, _, _ := newTestApp(t, srv, store)

	err := a.dispatch(context.Background(), []string{"login", "-username", "alice", "-password", "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got, _ := store.AccessToken(); got != "access-1" {
		t.Errorf("access token = %q", got)
	}
}
