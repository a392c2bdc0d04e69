package rate

import (
	"net/http"
	"strconv"
	"time"
)

const (
	// PetKit answers 429 or 503 when throttling, usually without Retry-After.
	throttledCooldown   = time.Minute
	unavailableCooldown = 30 * time.Second
	maxCooldown         = time.Hour
)

type cooldown struct {
	until time.Time
}

func (c cooldown) active(now time.Time) bool {
	return !c.until.IsZero() && now.Before(c.until)
}

// extend never shortens a running cooldown.
func (c *cooldown) extend(until time.Time) {
	if until.After(c.until) {
		c.until = until
	}
}

// cooldownFor decides how long to hold off after a response. Retry-After is
// honoured on any status, as seconds or an HTTP date, capped at maxCooldown.
func cooldownFor(status int, retryAfter string, now time.Time) (time.Duration, bool) {
	if wait, ok := parseRetryAfter(retryAfter, now); ok {
		return min(wait, maxCooldown), true
	}
	switch status {
	case http.StatusTooManyRequests:
		return throttledCooldown, true
	case http.StatusServiceUnavailable:
		return unavailableCooldown, true
	default:
		return 0, false
	}
}

func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil || !at.After(now) {
		return 0, false
	}
	return at.Sub(now), true
}
