package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Sentinel errors returned by the api package.
var (
	// ErrMissingAPIKey indicates a Client was created without an API key.
	ErrMissingAPIKey = errors.New("api: API key is required")

	// ErrInvalidAPIKey indicates the service rejected the API key (HTTP 401 or 403).
	ErrInvalidAPIKey = errors.New("api: authentication failed")

	// ErrNoData indicates a successful response that carried no connection.
	ErrNoData = errors.New("api: response carries no data")
)

// maxDetailsLen bounds the error details kept from an error envelope.
const maxDetailsLen = 500

// Error is returned for every non-2xx response. Authentication failures
// unwrap to ErrInvalidAPIKey.
type Error struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Code is the machine-readable error code from the envelope, if any.
	Code string
	// Message is the human-readable message from the envelope, if any.
	Message string
	// Details is the JSON encoding of the envelope details, truncated.
	Details string
}

func (e *Error) Error() string {
	if e.isAuth() {
		return fmt.Sprintf("api: authentication failed (HTTP %d), check API key validity", e.StatusCode)
	}
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("api: request failed (HTTP %d)", e.StatusCode)
	}
	msg := fmt.Sprintf("api: request failed (HTTP %d) code=%s message=%s", e.StatusCode, e.Code, e.Message)
	if e.Details != "" {
		msg += " details=" + e.Details
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.isAuth() {
		return ErrInvalidAPIKey
	}
	return nil
}

func (e *Error) isAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// errorBody is the "error" member of a failure envelope.
type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

// newError builds an *Error from a non-2xx response body.
func newError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	if e.isAuth() {
		return e
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Success == nil || *env.Success || env.Error == nil {
		return e
	}
	e.Code = env.Error.Code
	if e.Code == "" {
		e.Code = "unknown"
	}
	e.Message = env.Error.Message
	if e.Message == "" {
		e.Message = "Unknown error"
	}
	e.Details = formatDetails(env.Error.Details)
	return e
}

// formatDetails compacts raw JSON details and truncates them on a rune boundary.
func formatDetails(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	s := string(raw)
	if b, err := json.Marshal(raw); err == nil {
		s = string(b)
	}
	if len(s) <= maxDetailsLen {
		return s
	}
	cut := maxDetailsLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
