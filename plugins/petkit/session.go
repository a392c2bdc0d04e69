package petkit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultExpiryMargin = 30 * time.Second
	authTimeout         = 45 * time.Second

	endpointRegionServers  = "v1/regionservers"
	endpointLogin          = "user/login"
	endpointRefreshSession = "user/refreshsession"
)

// SessionState is the lifecycle position of a client's vendor session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateActive
	StateExpiring
	StateRefreshing
	StateRejected
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExpiring:
		return "expiring"
	case StateRefreshing:
		return "refreshing"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// session is a snapshot of the current vendor session.
type session struct {
	token   string
	userID  string
	region  string
	gateway string
	expiry  time.Time
}

// sessionManager owns the credentials and the vendor session of one client.
type sessionManager struct {
	creds       Credentials
	wire        *wire
	logger      *slog.Logger
	margin      time.Duration
	passportURL string
	gatewayURL  string
	now         func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	state SessionState
	token *oauth2.Token
}

func newSessionManager(creds Credentials, w *wire, opts clientOptions) *sessionManager {
	margin := opts.expiryMargin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}
	return &sessionManager{
		creds:       creds,
		wire:        w,
		logger:      opts.logger,
		margin:      margin,
		passportURL: opts.passportURL,
		gatewayURL:  opts.baseURL,
		now:         opts.now,
		state:       StateUnauthenticated,
	}
}

// State reports the current lifecycle state.
func (m *sessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive && m.token != nil && !m.freshLocked() {
		return StateExpiring
	}
	return m.state
}

// login discards any current session and authenticates from scratch.
func (m *sessionManager) login(ctx context.Context) error {
	m.mu.Lock()
	m.token = nil
	m.state = StateRejected
	m.mu.Unlock()
	_, err := m.ensureValid(ctx)
	return err
}

// ensureValid returns a session that is valid for longer than the safety
// margin. Concurrent callers share one authentication call.
func (m *sessionManager) ensureValid(ctx context.Context) (session, error) {
	m.mu.Lock()
	if m.token != nil && m.freshLocked() {
		sess := sessionFromToken(m.token)
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("auth", func() (any, error) {
		// The shared call must not die with whichever caller started it.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authTimeout)
		defer cancel()
		return m.authenticate(flightCtx)
	})
	select {
	case <-ctx.Done():
		return session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return session{}, res.Err
		}
		return res.Val.(session), nil
	}
}

// invalidate forces the next ensureValid to re-authenticate.
func (m *sessionManager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.state = StateRejected
	sessionValid.Set(0)
}

// invalidateToken drops the session only if it is still the one that was
// rejected, so stale rejections do not discard a newer session.
func (m *sessionManager) invalidateToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.AccessToken != token {
		return
	}
	m.token = nil
	m.state = StateRejected
	sessionValid.Set(0)
}

func (m *sessionManager) freshLocked() bool {
	return m.token.Expiry.Sub(m.now()) > m.margin
}

func (m *sessionManager) authenticate(ctx context.Context) (session, error) {
	m.mu.Lock()
	if m.token != nil && m.freshLocked() {
		sess := sessionFromToken(m.token)
		m.mu.Unlock()
		return sess, nil
	}
	var current *session
	if m.token != nil && m.now().Before(m.token.Expiry) {
		sess := sessionFromToken(m.token)
		current = &sess
		m.state = StateRefreshing
	} else {
		m.state = StateAuthenticating
	}
	m.mu.Unlock()

	if current != nil {
		sess, err := m.refresh(ctx, *current)
		if err == nil {
			refreshTotal.WithLabelValues("success").Inc()
			m.store(sess)
			return sess, nil
		}
		refreshTotal.WithLabelValues("failure").Inc()
		m.logger.LogAttrs(ctx, slog.LevelWarn, "petkit session refresh failed, logging in again",
			slog.String("error", err.Error()),
		)
		m.mu.Lock()
		m.state = StateAuthenticating
		m.mu.Unlock()
	}

	sess, err := m.doLogin(ctx)
	if err != nil {
		loginTotal.WithLabelValues("failure").Inc()
		m.mu.Lock()
		m.token = nil
		m.state = StateUnauthenticated
		m.mu.Unlock()
		sessionValid.Set(0)
		return session{}, err
	}
	loginTotal.WithLabelValues("success").Inc()
	m.store(sess)
	return sess, nil
}

func (m *sessionManager) store(sess session) {
	tok := (&oauth2.Token{
		AccessToken: sess.token,
		TokenType:   "F-Session",
		Expiry:      sess.expiry,
	}).WithExtra(map[string]any{
		"userId":  sess.userID,
		"region":  sess.region,
		"gateway": sess.gateway,
	})
	m.mu.Lock()
	m.token = tok
	m.state = StateActive
	m.mu.Unlock()
	sessionValid.Set(1)
	sessionExpiry.Set(float64(sess.expiry.Unix()))
}

func sessionFromToken(tok *oauth2.Token) session {
	extra := func(key string) string {
		value, _ := tok.Extra(key).(string)
		return value
	}
	return session{
		token:   tok.AccessToken,
		userID:  extra("userId"),
		region:  extra("region"),
		gateway: extra("gateway"),
		expiry:  tok.Expiry,
	}
}

type sessionPayload struct {
	ID        string      `json:"id"`
	UserID    json.Number `json:"userId"`
	ExpiresIn int64       `json:"expiresIn"`
	Region    string      `json:"region"`
	CreatedAt string      `json:"createdAt"`
}

func (m *sessionManager) doLogin(ctx context.Context) (session, error) {
	if strings.TrimSpace(m.creds.Username) == "" || m.creds.Password == "" {
		return session{}, ErrNoCredentials
	}
	ep, err := ResolveRegion(m.creds.Region)
	if err != nil {
		return session{}, err
	}
	gateway, region := m.selectGateway(ctx, ep)

	sess, err := m.postLogin(ctx, gateway, region)
	if err != nil {
		return session{}, err
	}
	reported := normalizeRegion(sess.region)
	if reported == "" || reported == region || m.gatewayURL != "" {
		return sess, nil
	}

	// The account lives on another cluster: log in there instead.
	redirect, err := ResolveRegion(reported)
	if err != nil {
		return session{}, &RegionMismatchError{Requested: region, Actual: sess.region}
	}
	redirectGateway, redirectRegion := m.selectGateway(ctx, redirect)
	m.logger.LogAttrs(ctx, slog.LevelInfo, "petkit account is on another region, following",
		slog.String("requested", region),
		slog.String("actual", redirectRegion),
	)
	regionRedirects.Inc()
	sess, err = m.postLogin(ctx, redirectGateway, redirectRegion)
	if err != nil {
		return session{}, err
	}
	if again := normalizeRegion(sess.region); again != "" && again != redirectRegion {
		return session{}, &RegionMismatchError{Requested: redirectRegion, Actual: sess.region}
	}
	return sess, nil
}

// selectGateway asks the account server for the live gateway of ep and falls
// back to the static table when that fails.
func (m *sessionManager) selectGateway(ctx context.Context, ep Endpoints) (string, string) {
	if m.gatewayURL != "" {
		return m.gatewayURL, ep.ID
	}
	if !ep.Lookup {
		return ep.Gateway, ep.ID
	}
	accountServer := ep.AccountServer
	if m.passportURL != "" {
		accountServer = m.passportURL
	}
	raw, err := m.wire.do(ctx, call{method: http.MethodGet, base: accountServer, endpoint: endpointRegionServers})
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "petkit region server lookup failed, using static gateway",
			slog.String("region", ep.ID),
			slog.String("error", err.Error()),
		)
		return ep.Gateway, ep.ID
	}
	var listing struct {
		List []regionServer `json:"list"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return ep.Gateway, ep.ID
	}
	srv, ok := matchRegionServer(listing.List, ep)
	if !ok {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "petkit region not listed by account server, using static gateway",
			slog.String("region", ep.ID),
		)
		return ep.Gateway, ep.ID
	}
	return withTrailingSlash(srv.Gateway), strings.ToLower(srv.ID)
}

func (m *sessionManager) postLogin(ctx context.Context, gateway, region string) (session, error) {
	sum := md5.Sum([]byte(m.creds.Password))
	form := url.Values{}
	form.Set("oldVersion", apiVersion)
	form.Set("client", clientInfo(m.creds.Timezone, m.now()))
	form.Set("encrypt", "1")
	form.Set("region", region)
	form.Set("username", m.creds.Username)
	form.Set("password", hex.EncodeToString(sum[:]))

	m.logger.LogAttrs(ctx, slog.LevelInfo, "petkit login", slog.String("region", region))
	raw, err := m.wire.do(ctx, call{method: http.MethodPost, base: gateway, endpoint: endpointLogin, form: form})
	if err != nil {
		return session{}, mapLoginError(err)
	}
	return m.parseSession(raw, gateway, region)
}

func (m *sessionManager) refresh(ctx context.Context, current session) (session, error) {
	form := url.Values{}
	form.Set("oldVersion", apiVersion)
	raw, err := m.wire.do(ctx, call{
		method:   http.MethodPost,
		base:     current.gateway,
		endpoint: endpointRefreshSession,
		form:     form,
		session:  current.token,
	})
	if err != nil {
		return session{}, mapLoginError(err)
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "petkit session refreshed")
	return m.parseSession(raw, current.gateway, current.region)
}

func (m *sessionManager) parseSession(raw json.RawMessage, gateway, region string) (session, error) {
	var resp struct {
		Session *sessionPayload `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return session{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Session == nil || resp.Session.ID == "" {
		return session{}, fmt.Errorf("%w: session missing from login response", ErrInvalidResponse)
	}
	if resp.Session.ExpiresIn <= 0 {
		return session{}, fmt.Errorf("%w: session has no expiry", ErrInvalidResponse)
	}
	reported := resp.Session.Region
	if reported == "" {
		reported = region
	}
	return session{
		token:   resp.Session.ID,
		userID:  resp.Session.UserID.String(),
		region:  reported,
		gateway: gateway,
		expiry:  m.now().Add(time.Duration(resp.Session.ExpiresIn) * time.Second),
	}, nil
}

func mapLoginError(err error) error {
	var env *envelopeError
	if !errors.As(err, &env) {
		return err
	}
	switch env.Code {
	case codeAuthFailed, codeUnregisteredEmail, codeSessionExpired:
		return &AuthenticationError{Code: env.Code, Msg: env.Msg}
	default:
		return &APIError{Code: env.Code, Msg: env.Msg, Endpoint: endpointLogin}
	}
}

// clientInfo renders the device description the vendor expects in the login
// form. The server parses the dict-literal format the Android app sends.
func clientInfo(timezone string, now time.Time) string {
	fields := [][2]string{
		{"locale", clientLocale},
		{"name", clientModel},
		{"osVersion", clientOS},
		{"phoneBrand", clientBrand},
		{"platform", clientPlatform},
		{"source", clientSource},
		{"version", apiVersion},
		{"timezoneId", timezone},
		{"timezone", timezoneOffset(timezone, now)},
	}
	parts := make([]string, 0, len(fields))
	for _, kv := range fields {
		parts = append(parts, fmt.Sprintf("'%s': '%s'", kv[0], kv[1]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
