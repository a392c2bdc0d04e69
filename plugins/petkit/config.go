package petkit

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Credentials identify a PetKit account. They are fixed for the life of a
// client.
type Credentials struct {
	Username string
	Password string
	// Region is a country code or name, e.g. "DE" or "Germany".
	Region string
	// Timezone is an IANA name sent with every request.
	Timezone string
}

func (c Credentials) withDefaults() Credentials {
	c.Username = strings.TrimSpace(c.Username)
	c.Region = normalizeRegion(c.Region)
	if c.Region == "" {
		c.Region = defaultRegion
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	return c
}

type clientOptions struct {
	httpClient        *http.Client
	logger            *slog.Logger
	passportURL       string
	baseURL           string
	expiryMargin      time.Duration
	petLinksOnRefresh bool
	detailWorkers     int
	now               func() time.Time
}

// Option configures a Client.
type Option func(*clientOptions)

// WithHTTPClient sets the transport. Pooling, TLS and timeouts belong to it.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithPassportURL overrides the account server used for the region lookup.
func WithPassportURL(u string) Option {
	return func(o *clientOptions) {
		o.passportURL = withTrailingSlash(strings.TrimSpace(u))
	}
}

// WithBaseURL pins the API gateway and skips the region lookup.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) {
		o.baseURL = withTrailingSlash(strings.TrimSpace(u))
	}
}

// WithExpiryMargin sets how long before expiry a session is renewed.
func WithExpiryMargin(d time.Duration) Option {
	return func(o *clientOptions) {
		o.expiryMargin = d
	}
}

// WithPetLinksOnDeviceRefresh recomputes pet statistics and pet-to-device
// links on RefreshDevice. By default only GetDevicesData does.
func WithPetLinksOnDeviceRefresh(enabled bool) Option {
	return func(o *clientOptions) {
		o.petLinksOnRefresh = enabled
	}
}

// WithDetailWorkers bounds concurrent device detail requests.
func WithDetailWorkers(n int) Option {
	return func(o *clientOptions) {
		o.detailWorkers = n
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) {
		o.now = now
	}
}

func defaultOptions() clientOptions {
	return clientOptions{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		expiryMargin:  defaultExpiryMargin,
		detailWorkers: 4,
		now:           time.Now,
	}
}
