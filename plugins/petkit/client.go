package petkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
	_ "time/tzdata"
)

// Client talks to the PetKit cloud for one account.
//
// Entities returned by the client are snapshots owned by the registry and
// must be treated as read-only.
type Client struct {
	creds   Credentials
	opts    clientOptions
	logger  *slog.Logger
	wire    *wire
	session *sessionManager

	mu       sync.RWMutex
	entities map[int64]Entity
	accounts []*Account
}

// NewClient validates credentials and builds a client. No network call is
// made until Login or the first request.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.httpClient == nil {
		options.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if options.logger == nil {
		options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if options.now == nil {
		options.now = time.Now
	}
	if options.detailWorkers <= 0 {
		options.detailWorkers = 1
	}

	creds = creds.withDefaults()
	if creds.Username == "" || creds.Password == "" {
		return nil, ErrNoCredentials
	}
	if _, err := ResolveRegion(creds.Region); err != nil {
		return nil, err
	}
	if _, err := time.LoadLocation(creds.Timezone); err != nil {
		return nil, fmt.Errorf("petkit: invalid timezone %q: %w", creds.Timezone, err)
	}

	w := &wire{
		http:     options.httpClient,
		timezone: creds.Timezone,
		logger:   options.logger,
		now:      options.now,
	}
	return &Client{
		creds:    creds,
		opts:     options,
		logger:   options.logger,
		wire:     w,
		session:  newSessionManager(creds, w, options),
		entities: make(map[int64]Entity),
	}, nil
}

// Login authenticates now instead of on the first request.
func (c *Client) Login(ctx context.Context) error {
	return c.session.login(ctx)
}

// SessionState reports where the session is in its lifecycle.
func (c *Client) SessionState() SessionState {
	return c.session.State()
}

// InvalidateSession drops the session; the next request logs in again.
func (c *Client) InvalidateSession() {
	c.session.invalidate()
}

// Region is the normalised region the client was built with.
func (c *Client) Region() string {
	return c.creds.Region
}

// SendAPIRequest validates and sends a command to a device or pet.
//
// Nothing is sent when the action is not in the catalog for the entity's
// type or the payload is invalid. A command is sent at most once beyond the
// single retry after a rejected session; callers must not resend on an
// ambiguous failure.
func (c *Client) SendAPIRequest(ctx context.Context, id int64, action Action, payload map[string]any) (Ack, error) {
	entity, ok := c.Entity(id)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	deviceType := entity.EntityType()
	spec, ok := LookupCommand(deviceType, action)
	if !ok {
		commandsTotal.WithLabelValues(string(action), "unsupported").Inc()
		return Ack{}, &UnsupportedCommandError{DeviceType: deviceType, Action: action}
	}
	if err := spec.Validate(payload); err != nil {
		commandsTotal.WithLabelValues(string(action), "invalid").Inc()
		return Ack{}, err
	}
	fields, err := spec.Encode(id, payload, c.today())
	if err != nil {
		return Ack{}, err
	}
	form := url.Values{}
	for key, value := range fields {
		form.Set(key, value)
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, "petkit command",
		slog.Int64("id", id),
		slog.String("device_type", deviceType),
		slog.String("action", string(action)),
		slog.String("shape", spec.Shape.String()),
	)
	raw, err := c.authorized(ctx, call{
		method:   http.MethodPost,
		endpoint: deviceType + "/" + spec.Code,
		form:     form,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			commandsTotal.WithLabelValues(string(action), "abandoned").Inc()
			return Ack{}, fmt.Errorf("petkit: %s on %d not confirmed: %w", action, id, ctxErr)
		}
		commandsTotal.WithLabelValues(string(action), "error").Inc()
		return Ack{}, mapCommandError(id, action, err)
	}
	commandsTotal.WithLabelValues(string(action), "ok").Inc()
	return Ack{DeviceID: id, Action: action, Result: raw}, nil
}

// Entity returns the registry entry for a device or pet id.
func (c *Client) Entity(id int64) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entity, ok := c.entities[id]
	return entity, ok
}

// Entities returns a copy of the registry.
func (c *Client) Entities() map[int64]Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]Entity, len(c.entities))
	for id, entity := range c.entities {
		out[id] = entity
	}
	return out
}

// Devices returns all devices sorted by id.
func (c *Client) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, 0, len(c.entities))
	for _, entity := range c.entities {
		if device, ok := entity.(Device); ok {
			out = append(out, device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Pets returns all pets sorted by id.
func (c *Client) Pets() []*Pet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Pet
	for _, entity := range c.entities {
		if pet, ok := entity.(*Pet); ok {
			out = append(out, pet)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accounts returns the family groups from the last full refresh.
func (c *Client) Accounts() []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Account, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// Device returns a device by id.
func (c *Client) Device(id int64) (Device, error) {
	entity, ok := c.Entity(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	device, ok := entity.(Device)
	if !ok {
		return nil, fmt.Errorf("%w: %d is a %s", ErrDeviceNotFound, id, entity.EntityType())
	}
	return device, nil
}

func (c *Client) today() time.Time {
	loc, err := time.LoadLocation(c.creds.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return c.opts.now().In(loc)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}
