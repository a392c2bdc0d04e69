package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned by a guarded transport instead of sending.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// Decision is the outcome of ShouldCall.
type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

// windowState is the budget of one window. Until the server reports a
// remaining count the local token bucket is authoritative.
type windowState struct {
	limit    int
	floor    int
	tokens   float64
	refilled time.Time

	reported  bool
	remaining int
}

func (w *windowState) take(span time.Duration, now time.Time) (bool, time.Time) {
	if w.reported {
		if w.remaining <= w.floor {
			return false, time.Time{}
		}
		w.remaining--
		return true, time.Time{}
	}
	rate := float64(w.limit) / span.Seconds()
	w.tokens = min(float64(w.limit), w.tokens+now.Sub(w.refilled).Seconds()*rate)
	w.refilled = now
	if w.tokens < 1 {
		return false, now.Add(time.Duration((1 - w.tokens) / rate * float64(time.Second)))
	}
	w.tokens--
	return true, time.Time{}
}

// Guard enforces one provider's budget and server-requested cooldowns.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	windows  map[Window]*windowState
	cooldown cooldown
}

// WrapHTTP returns a copy of base whose requests pass through a new guard.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return NewGuard(decl).Wrap(base)
}

// NewGuard builds a guard with full buckets.
func NewGuard(decl Declaration) *Guard {
	return newGuard(decl, time.Now)
}

func newGuard(decl Declaration, now func() time.Time) *Guard {
	g := &Guard{decl: decl, now: now, windows: make(map[Window]*windowState)}
	start := now()
	floors := decl.BudgetFloors()
	for window, limit := range decl.Limits() {
		g.windows[window] = &windowState{
			limit:    limit,
			floor:    floors[window],
			tokens:   float64(limit),
			refilled: start,
		}
		remainingGauge.WithLabelValues(decl.ProviderName(), window.String()).Set(float64(limit))
	}
	return g
}

// Wrap returns a copy of base whose transport consults the guard.
func (g *Guard) Wrap(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	client.Transport = &guardedTransport{next: next, guard: g}
	return &client
}

type guardedTransport struct {
	next  http.RoundTripper
	guard *Guard
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	provider := t.guard.decl.ProviderName()
	if d := t.guard.ShouldCall(t.guard.now()); !d.Allowed {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		blockedTotal.WithLabelValues(provider, d.Reason).Inc()
		return nil, RateLimitError{Provider: provider, Reason: d.Reason, RetryAt: d.RetryAt}
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

// ShouldCall consumes budget for one call, or reports why it is blocked.
// A blocked call consumes nothing.
func (g *Guard) ShouldCall(now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.decl.HasLimits() {
		return Decision{Reason: "disabled"}
	}
	if g.cooldown.active(now) {
		return Decision{Reason: "cooldown", RetryAt: g.cooldown.until}
	}
	saved := make(map[Window]windowState, len(g.windows))
	for window, w := range g.windows {
		if w.limit <= 0 && !w.reported {
			return Decision{Reason: "disabled"}
		}
		saved[window] = *w
	}
	for window, w := range g.windows {
		if ok, retryAt := w.take(windowDuration(window), now); !ok {
			for win, state := range saved {
				*g.windows[win] = state
			}
			return Decision{Reason: "budget", RetryAt: retryAt}
		}
	}
	for window, w := range g.windows {
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(w.level())
	}
	return Decision{Allowed: true}
}

func (w *windowState) level() float64 {
	if w.reported {
		return float64(w.remaining)
	}
	return w.tokens
}

// RecordResponse applies the cooldown and budget headers of a response.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	provider := g.decl.ProviderName()
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	now := g.now()
	cfg := g.decl.Headers()
	if wait, ok := cooldownFor(status, headerValue(headers, cfg.RetryAfter), now); ok {
		g.cooldown.extend(now.Add(wait))
		retryAfterGauge.WithLabelValues(provider).Set(g.cooldown.until.Sub(now).Seconds())
	}

	g.observe(Minute, headerInt(headers, cfg.RemainingMinute), headerInt(headers, cfg.LimitMinute))
	g.observe(Day, headerInt(headers, cfg.RemainingDay), headerInt(headers, cfg.LimitDay))
}

// observe records a server-reported budget for a declared window.
func (g *Guard) observe(window Window, remaining, limit int) {
	w, ok := g.windows[window]
	if !ok || remaining < 0 {
		return
	}
	w.reported = true
	w.remaining = remaining
	if limit > 0 {
		w.limit = limit
	}
	remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(float64(remaining))
}

func headerValue(h http.Header, key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(h.Get(key))
}

func headerInt(h http.Header, key string) int {
	val := headerValue(h, key)
	if val == "" {
		return -1
	}
	out, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return out
}

func windowDuration(window Window) time.Duration {
	if window == Day {
		return 24 * time.Hour
	}
	return time.Minute
}
