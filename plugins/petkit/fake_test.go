package petkit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCloud is an in-memory PetKit gateway.
type fakeCloud struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	logins     int
	refreshes  int
	requests   map[string]int
	forms      map[string]url.Values
	handlers   map[string]http.HandlerFunc
	loginDelay time.Duration
	expiresIn  int
	region     string
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	fc := &fakeCloud{
		t:         t,
		requests:  make(map[string]int),
		forms:     make(map[string]url.Values),
		handlers:  make(map[string]http.HandlerFunc),
		expiresIn: 3600,
	}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCloud) URL() string { return fc.server.URL + "/" }

func (fc *fakeCloud) handle(path string, h http.HandlerFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers[path] = h
}

func (fc *fakeCloud) count(path string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.requests[path]
}

func (fc *fakeCloud) total() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, c := range fc.requests {
		n += c
	}
	return n
}

func (fc *fakeCloud) loginCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.logins
}

func (fc *fakeCloud) form(path string) url.Values {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.forms[path]
}

func (fc *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	path := r.URL.Path

	fc.mu.Lock()
	fc.requests[path]++
	fc.forms[path] = form
	handler := fc.handlers[path]
	fc.mu.Unlock()

	if handler != nil {
		handler(w, r)
		return
	}

	switch {
	case strings.HasSuffix(path, "/user/login"):
		fc.mu.Lock()
		fc.logins++
		n := fc.logins
		delay := fc.loginDelay
		region := fc.region
		fc.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		writeResult(w, map[string]any{"session": map[string]any{
			"id":        "session-" + strconv.Itoa(n),
			"userId":    "42",
			"expiresIn": fc.expiresIn,
			"region":    region,
			"createdAt": "2026-01-01T10:00:00.000+0000",
		}})
	case strings.HasSuffix(path, "/user/refreshsession"):
		fc.mu.Lock()
		fc.refreshes++
		n := fc.refreshes
		fc.mu.Unlock()
		if r.Header.Get("X-Session") == "" {
			fc.t.Errorf("refresh without session header")
		}
		writeResult(w, map[string]any{"session": map[string]any{
			"id":        "refreshed-" + strconv.Itoa(n),
			"userId":    "42",
			"expiresIn": fc.expiresIn,
		}})
	default:
		fc.t.Errorf("unexpected path: %s", path)
		writeError(w, 404, "not found")
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeRawResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"result":`+result+`}`)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "msg": msg}})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCredentials() Credentials {
	return Credentials{
		Username: "owner@example.com",
		Password: "hunter2",
		Region:   "DE",
		Timezone: "Europe/Berlin",
	}
}

func newTestClient(t *testing.T, fc *fakeCloud, opts ...Option) *Client {
	t.Helper()
	all := append([]Option{
		WithBaseURL(fc.URL()),
		WithHTTPClient(fc.server.Client()),
	}, opts...)
	client, err := NewClient(testCredentials(), all...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

// seed puts entities in the registry without a refresh.
func seed(c *Client, entities ...Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		c.entities[e.EntityID()] = e
	}
}
