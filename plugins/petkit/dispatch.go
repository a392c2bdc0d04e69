package petkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	apiVersion     = "12.4.9"
	userAgent      = "okhttp/3.14.19"
	clientModel    = "23127PN0CG"
	clientOS       = "15.1"
	clientLocale   = "en-US"
	clientSource   = "app.petkit-android"
	clientBrand    = "Xiaomi"
	clientPlatform = "android"
)

// call is one request against the vendor API.
type call struct {
	method   string
	base     string
	endpoint string
	query    url.Values
	form     url.Values
	session  string
}

// envelopeError is the {"error": {...}} body. It never leaves the package;
// callers see it mapped to the public error types.
type envelopeError struct {
	Code int
	Msg  string
}

func (e *envelopeError) Error() string {
	return fmt.Sprintf("petkit error %d: %s", e.Code, e.Msg)
}

// wire issues unauthenticated calls and decodes the response envelope.
type wire struct {
	http     *http.Client
	timezone string
	logger   *slog.Logger
	now      func() time.Time
}

func (w *wire) do(ctx context.Context, c call) (json.RawMessage, error) {
	endpoint := withTrailingSlash(c.base) + strings.TrimPrefix(c.endpoint, "/")
	reqURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(c.query) > 0 {
		query := reqURL.Query()
		for key, values := range c.query {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		reqURL.RawQuery = query.Encode()
	}

	var body io.Reader
	if c.form != nil {
		body = strings.NewReader(c.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, c.method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	w.setHeaders(req.Header)
	if c.session != "" {
		req.Header.Set("F-Session", c.session)
		req.Header.Set("X-Session", c.session)
	}

	start := time.Now()
	resp, err := w.http.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(metricEndpoint(c.endpoint), "transport_error").Inc()
		w.logger.LogAttrs(ctx, slog.LevelDebug, "petkit request failed",
			slog.String("method", c.method),
			slog.String("endpoint", c.endpoint),
			slog.String("error", err.Error()),
		)
		return nil, &TransportError{Method: c.method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	w.logger.LogAttrs(ctx, slog.LevelDebug, "petkit request",
		slog.String("method", c.method),
		slog.String("endpoint", c.endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		requestsTotal.WithLabelValues(metricEndpoint(c.endpoint), "http_error").Inc()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(metricEndpoint(c.endpoint), "transport_error").Inc()
		return nil, &TransportError{Method: c.method, URL: endpoint, Err: err}
	}
	result, err := decodeEnvelope(data)
	if err != nil {
		requestsTotal.WithLabelValues(metricEndpoint(c.endpoint), "api_error").Inc()
		return nil, err
	}
	requestsTotal.WithLabelValues(metricEndpoint(c.endpoint), "ok").Inc()
	return result, nil
}

func (w *wire) setHeaders(h http.Header) {
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US;q=1, it-US;q=0.9")
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("User-Agent", userAgent)
	h.Set("X-Img-Version", "1")
	h.Set("X-Locale", clientLocale)
	h.Set("X-Client", fmt.Sprintf("%s(%s;%s)", clientPlatform, clientOS, clientModel))
	h.Set("X-Hour", "24")
	h.Set("X-TimezoneId", w.timezone)
	h.Set("X-Api-Version", apiVersion)
	h.Set("X-Timezone", timezoneOffset(w.timezone, w.now()))
}

func decodeEnvelope(data []byte) (json.RawMessage, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code json.Number `json:"code"`
			Msg  string      `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if envelope.Error != nil {
		code, _ := envelope.Error.Code.Int64()
		msg := envelope.Error.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &envelopeError{Code: int(code), Msg: msg}
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, ErrInvalidResponse
	}
	return envelope.Result, nil
}

// isAuthRejection reports a response meaning "this session is no longer valid".
func isAuthRejection(err error) bool {
	var env *envelopeError
	if errors.As(err, &env) {
		return env.Code == codeSessionExpired
	}
	var status *HTTPStatusError
	if errors.As(err, &status) {
		return status.Status == http.StatusUnauthorized
	}
	return false
}

// authorized issues c with a valid session. An auth rejection invalidates the
// session and the call is retried exactly once.
func (c *Client) authorized(ctx context.Context, req call) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		sess, err := c.session.ensureValid(ctx)
		if err != nil {
			return nil, err
		}
		req.base = sess.gateway
		req.session = sess.token
		raw, err := c.wire.do(ctx, req)
		if err == nil {
			return raw, nil
		}
		if !isAuthRejection(err) {
			return nil, err
		}
		authRejections.Inc()
		c.logger.LogAttrs(ctx, slog.LevelInfo, "petkit session rejected",
			slog.String("endpoint", req.endpoint),
			slog.Int("attempt", attempt+1),
		)
		c.session.invalidateToken(sess.token)
		if attempt >= 1 {
			return nil, &AuthenticationError{Msg: "session rejected after re-authentication", Err: err}
		}
	}
}

// Fetch issues an authenticated read and returns the raw result payload.
func (c *Client) Fetch(ctx context.Context, method, endpoint string, params url.Values) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodGet
	}
	// Reads carry their parameters in the query string, POST included.
	raw, err := c.authorized(ctx, call{method: method, endpoint: endpoint, query: params})
	if err != nil {
		return nil, mapFetchError(endpoint, err)
	}
	return raw, nil
}

func mapFetchError(endpoint string, err error) error {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	var env *envelopeError
	if !errors.As(err, &env) {
		return err
	}
	switch env.Code {
	case codeAuthFailed, codeUnregisteredEmail:
		return &AuthenticationError{Code: env.Code, Msg: env.Msg}
	default:
		return &APIError{Code: env.Code, Msg: env.Msg, Endpoint: endpoint}
	}
}

func mapCommandError(id int64, action Action, err error) error {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	var env *envelopeError
	if !errors.As(err, &env) {
		return err
	}
	switch env.Code {
	case codeAuthFailed, codeUnregisteredEmail:
		return &AuthenticationError{Code: env.Code, Msg: env.Msg}
	default:
		return &DeviceCommandRejected{DeviceID: id, Action: action, Code: env.Code, Msg: env.Msg}
	}
}

// unwrapList handles endpoints that answer {"list": [...]} where other models
// answer with the bare list.
func unwrapList(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	var wrapped struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || len(wrapped.List) == 0 || string(wrapped.List) == "null" {
		return raw
	}
	return wrapped.List
}

func timezoneOffset(name string, now time.Time) string {
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	_, offset := now.In(loc).Zone()
	return fmt.Sprintf("%.1f", float64(offset)/3600)
}

func metricEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	// Collapse the device type so the label set stays bounded.
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		if _, ok := deviceKinds[endpoint[:i]]; ok || endpoint[:i] == petType {
			return "{type}" + endpoint[i:]
		}
	}
	return endpoint
}
