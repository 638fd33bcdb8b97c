package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-authgate/console-cli/tokenstore"
)

// fakeConsole serves the console API under /api/v1 and the refresh endpoint.
type fakeConsole struct {
	server       *httptest.Server
	apiCalls     atomic.Int32
	refreshCalls atomic.Int32

	mu      sync.Mutex
	api     http.HandlerFunc
	refresh http.HandlerFunc
}

func newFakeConsole(t *testing.T) *fakeConsole {
	t.Helper()

	fc := &fakeConsole{}
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultRefreshPath, func(w http.ResponseWriter, r *http.Request) {
		fc.refreshCalls.Add(1)
		fc.mu.Lock()
		h := fc.refresh
		fc.mu.Unlock()
		if h == nil {
			http.Error(w, "no refresh handler", http.StatusNotImplemented)
			return
		}
		h(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fc.apiCalls.Add(1)
		fc.mu.Lock()
		h := fc.api
		fc.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	})

	fc.server = httptest.NewServer(mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeConsole) onAPI(h http.HandlerFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.api = h
}

func (fc *fakeConsole) onRefresh(h http.HandlerFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.refresh = h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// grantAccessToken answers refresh calls with token.
func grantAccessToken(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": token})
	}
}

// recordingNavigator remembers every navigation target.
type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return nil
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// countingStore counts Clear calls on top of a MemoryStore.
type countingStore struct {
	*tokenstore.MemoryStore
	clears atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: tokenstore.NewMemoryStore()}
}

func (s *countingStore) Clear() error {
	s.clears.Add(1)
	return s.MemoryStore.Clear()
}

// newTestClient wires a Client, AuthClient and Redirector against fc.
func newTestClient(
	fc *fakeConsole,
	store tokenstore.Store,
	opts ...Option,
) (*Client, *recordingNavigator) {
	nav := &recordingNavigator{}
	auth := NewAuthClient(fc.server.URL)
	redirector := NewRedirector(store, nav)
	opts = append([]Option{WithRedirector(redirector)}, opts...)
	return NewClient(fc.server.URL, store, auth, opts...), nav
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
