package petkit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDeviceNotFound  = errors.New("petkit: entity not found")
	ErrInvalidResponse = errors.New("petkit: unexpected response format")
	ErrNoIoTConfig     = errors.New("petkit: account has no iot configuration")
	ErrNoCredentials   = errors.New("petkit: username and password are required")
)

// Vendor error codes carried in the {"error": {...}} envelope.
const (
	codeServerBusy        = 1
	codeSessionExpired    = 5
	codeAuthFailed        = 122
	codeUnregisteredEmail = 125
)

// UnsupportedRegionError is returned when a region code is not in the table.
type UnsupportedRegionError struct {
	Region string
}

func (e *UnsupportedRegionError) Error() string {
	return fmt.Sprintf("petkit: unsupported region %q", e.Region)
}

// AuthenticationError reports bad credentials or a session that was rejected
// again after re-authenticating.
type AuthenticationError struct {
	Code int
	Msg  string
	Err  error
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("petkit: authentication failed (%d): %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("petkit: authentication failed: %v", e.Err)
	default:
		return "petkit: authentication failed: " + e.Msg
	}
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RegionMismatchError is returned when the account lives in a region that
// cannot be resolved to a gateway.
type RegionMismatchError struct {
	Requested string
	Actual    string
}

func (e *RegionMismatchError) Error() string {
	return fmt.Sprintf("petkit: account region %q does not match requested region %q", e.Actual, e.Requested)
}

// TransportError wraps failures of the underlying HTTP client.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("petkit: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type UnsupportedCommandError struct {
	DeviceType string
	Action     Action
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("petkit: action %q is not supported by device type %q", e.Action, e.DeviceType)
}

// InvalidPayloadError describes why a command payload failed validation.
type InvalidPayloadError struct {
	Action  Action
	Missing []string
	Unknown []string
	Reason  string
}

func (e *InvalidPayloadError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown "+strings.Join(e.Unknown, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return fmt.Sprintf("petkit: invalid payload for %q: %s", e.Action, strings.Join(parts, "; "))
}

// DeviceCommandRejected carries the vendor's rejection of a command verbatim.
type DeviceCommandRejected struct {
	DeviceID int64
	Action   Action
	Code     int
	Msg      string
}

func (e *DeviceCommandRejected) Error() string {
	return fmt.Sprintf("petkit: device %d rejected %q (%d): %s", e.DeviceID, e.Action, e.Code, e.Msg)
}

type UnknownDeviceTypeError struct {
	DeviceType string
	DeviceID   int64
}

func (e *UnknownDeviceTypeError) Error() string {
	if e.DeviceID != 0 {
		return fmt.Sprintf("petkit: unknown device type %q (device %d)", e.DeviceType, e.DeviceID)
	}
	return fmt.Sprintf("petkit: unknown device type %q", e.DeviceType)
}

// MissingFieldError is returned when a payload lacks a required key.
type MissingFieldError struct {
	Kind  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("petkit: %s payload is missing required field %q", e.Kind, e.Field)
}

// APIError surfaces PetKit error codes on read endpoints.
type APIError struct {
	Code     int
	Msg      string
	Endpoint string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("petkit api error %d on %s: %s", e.Code, e.Endpoint, e.Msg)
}

type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("petkit http %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsServerBusy reports whether the vendor asked the caller to back off.
func IsServerBusy(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeServerBusy
	}
	var rejected *DeviceCommandRejected
	if errors.As(err, &rejected) {
		return rejected.Code == codeServerBusy
	}
	return false
}

// IsAuthRejected reports whether err ended in an authentication failure.
func IsAuthRejected(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
