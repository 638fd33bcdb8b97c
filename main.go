package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/console-cli/apiclient"
	"github.com/go-authgate/console-cli/tui"
)

var (
	serverURL      string
	apiBase        string
	refreshPath    string
	sessionPath    string
	loginPath      string
	appBasePath    string
	location       string
	profile        string
	tokenStoreKind string
	tokenFile      string
	keyringService string
	redisURL       string
	maxRetries     int
	noCoalesce     bool
	logLevel       slog.Level

	flagServerURL      *string
	flagAPIBase        *string
	flagRefreshPath    *string
	flagSessionPath    *string
	flagLoginPath      *string
	flagBasePath       *string
	flagLocation       *string
	flagProfile        *string
	flagTokenStore     *string
	flagTokenFile      *string
	flagKeyringService *string
	flagRedisURL       *string
	flagMaxRetries     *string
	flagNoCoalesce     *bool
	flagLogLevel       *string

	configInitialized bool
	retryClient       *retry.Client
	logger            *slog.Logger
)

// Timeout configuration for different operations
const (
	apiRequestTimeout = 30 * time.Second
	sessionTimeout    = 10 * time.Second
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"Console URL (default: http://localhost:4000 or SERVER_URL env)",
	)
	flagAPIBase = flag.String("api-base", "", "API path prefix (default: /api/v1 or API_BASE_PATH env)")
	flagRefreshPath = flag.String(
		"refresh-path",
		"",
		"Session refresh endpoint (default: /api/session/refresh or REFRESH_PATH env)",
	)
	flagSessionPath = flag.String(
		"session-path",
		"",
		"Session login endpoint (default: /api/session or SESSION_PATH env)",
	)
	flagLoginPath = flag.String("login-path", "", "Login entry point (default: /session/new or LOGIN_PATH env)")
	flagBasePath = flag.String("base-path", "", "Application base path stripped from request_path (or APP_BASE_PATH env)")
	flagLocation = flag.String("location", "", "Current in-app path sent as request_path (default: / or LOCATION env)")
	flagProfile = flag.String("profile", "", "Credential profile (default: server host or PROFILE env)")
	flagTokenStore = flag.String(
		"token-store",
		"",
		"Token store backend: file, keyring, redis or memory (default: file or TOKEN_STORE env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .console-tokens.json or TOKEN_FILE env)",
	)
	flagKeyringService = flag.String(
		"keyring-service",
		"",
		"OS keyring service name (default: consolectl or KEYRING_SERVICE env)",
	)
	flagRedisURL = flag.String("redis-url", "", "Redis URL (default: redis://localhost:6379/0 or REDIS_URL env)")
	flagMaxRetries = flag.String("max-retries", "", "Transport retries for API requests (default: 2 or MAX_RETRIES env)")
	flagNoCoalesce = flag.Bool("no-coalesce", false, "Refresh once per rejected request instead of sharing one refresh")
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (default: warn or LOG_LEVEL env)")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Usage = usage
	flag.Parse()

	// Priority: flag > env > default
	serverURL = strings.TrimRight(getConfig(*flagServerURL, "SERVER_URL", "http://localhost:4000"), "/")
	apiBase = getConfig(*flagAPIBase, "API_BASE_PATH", apiclient.DefaultBaseURL)
	refreshPath = getConfig(*flagRefreshPath, "REFRESH_PATH", apiclient.DefaultRefreshPath)
	sessionPath = getConfig(*flagSessionPath, "SESSION_PATH", apiclient.DefaultSessionPath)
	loginPath = getConfig(*flagLoginPath, "LOGIN_PATH", apiclient.DefaultLoginPath)
	appBasePath = getConfig(*flagBasePath, "APP_BASE_PATH", "")
	location = getConfig(*flagLocation, "LOCATION", "/")
	tokenStoreKind = getConfig(*flagTokenStore, "TOKEN_STORE", storeFile)
	tokenFile = getConfig(*flagTokenFile, "TOKEN_FILE", ".console-tokens.json")
	keyringService = getConfig(*flagKeyringService, "KEYRING_SERVICE", "consolectl")
	redisURL = getConfig(*flagRedisURL, "REDIS_URL", "redis://localhost:6379/0")
	noCoalesce = *flagNoCoalesce || getEnvBool("NO_COALESCE", false)

	// Validate SERVER_URL format
	if err := validateServerURL(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid SERVER_URL: %v\n", err)
		os.Exit(1)
	}
	profile = getConfig(*flagProfile, "PROFILE", defaultProfile(serverURL))

	var err error
	maxRetries, err = parseRetries(getConfig(*flagMaxRetries, "MAX_RETRIES", "2"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid MAX_RETRIES: %v\n", err)
		os.Exit(1)
	}

	logLevel, err = parseLogLevel(getConfig(*flagLogLevel, "LOG_LEVEL", "warn"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	// Wrap with retry logic using go-httpretry. Only ordinary API requests go
	// through it; the refresh call must reach the server exactly once.
	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(newBaseHTTPClient()),
		retry.WithMaxRetries(maxRetries),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
}

func newBaseHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: consolectl [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  login [-username u] [-password p]  open a session")
	fmt.Fprintln(out, "  logout                             clear the stored session")
	fmt.Fprintln(out, "  status                             show the stored session")
	fmt.Fprintln(out, "  get <path>                         GET an API resource")
	fmt.Fprintln(out, "  delete <path>                      DELETE an API resource")
	fmt.Fprintln(out, "  post <path> [body|@file|-]         POST a JSON body")
	fmt.Fprintln(out, "  put <path> [body|@file|-]          PUT a JSON body")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// defaultProfile keys stored credentials by console host.
func defaultProfile(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "default"
	}
	return u.Host
}

func parseRetries(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", value)
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got: %d", n)
	}
	return n, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return 0, err
	}
	return level, nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// login prompts on the terminal, which the TUI would fight over.
	if isTTY() && args[0] != cmdLogin {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(d, args)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(d, args); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, tokenStoreKind, profile)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer closeStore()

	app := newApp(store, d, os.Stdout)
	if err := app.dispatch(ctx, args); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			d.Fatal(err)
		}
		return err
	}
	return nil
}
