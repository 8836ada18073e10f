package egress

import (
	"errors"
	"fmt"

	"github.com/zhangyunhao116/egress/api"
	"github.com/zhangyunhao116/egress/proxy"
)

// Sentinel errors returned by the egress package.
var (
	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("egress: invalid configuration")

	// ErrNoConnection indicates no connection ID is known yet, so the remote
	// connection cannot be read or updated.
	ErrNoConnection = errors.New("egress: no connection configured")

	// ErrInvalidMutation indicates a Mutation with an unknown kind.
	ErrInvalidMutation = errors.New("egress: invalid mutation")
)

// ProxyStartError is returned by Client.Start when the local proxy listener
// fails to bind or dies before becoming ready.
type ProxyStartError = proxy.StartError

// ConfigSyncError is returned when reading or updating the remote connection
// fails. The local routing configuration is left unchanged.
type ConfigSyncError struct {
	// Op is the failed operation: "create", "refresh", "rules",
	// "session_id" or "target_geo".
	Op string
	// ConnectionID is the connection involved, if known.
	ConnectionID string
	// StatusCode is the HTTP status of the API response, or 0 for transport
	// failures.
	StatusCode int
	// Code is the API error code, if any.
	Code string
	// Err is the underlying error.
	Err error
}

func (e *ConfigSyncError) Error() string {
	if e.ConnectionID == "" {
		return fmt.Sprintf("egress: config sync %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("egress: config sync %s for connection %s failed: %v", e.Op, e.ConnectionID, e.Err)
}

func (e *ConfigSyncError) Unwrap() error {
	return e.Err
}

// AuthenticationError is returned when the API rejects the API key. It
// unwraps to the *ConfigSyncError of the failed operation.
type AuthenticationError struct {
	Sync *ConfigSyncError
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("egress: authentication failed during %s: %v", e.Sync.Op, e.Sync.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Sync
}

// newSyncError classifies an error from the control API.
func newSyncError(op, connectionID string, err error) error {
	se := &ConfigSyncError{Op: op, ConnectionID: connectionID, Err: err}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		se.StatusCode = apiErr.StatusCode
		se.Code = apiErr.Code
	}
	if errors.Is(err, api.ErrInvalidAPIKey) {
		return &AuthenticationError{Sync: se}
	}
	return se
}
