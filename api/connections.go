package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// ConnectionID identifies a connection. The API returns it either as a
// string or as a number.
type ConnectionID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ConnectionID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ConnectionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("api: connection id: %w", err)
	}
	*id = ConnectionID(n.String())
	return nil
}

// Connection is a gateway connection: a set of proxy credentials plus the
// routing rules, session and geo targeting bound to them.
type Connection struct {
	ID            ConnectionID `json:"id,omitempty"`
	ConnectionID  ConnectionID `json:"connection_id,omitempty"`
	Description   string       `json:"description,omitempty"`
	ProxyUsername string       `json:"proxy_username"`
	ProxyPassword string       `json:"proxy_password"`
	Rules         []string     `json:"rules"`
	SessionID     *string      `json:"session_id"`
	TargetGeo     *string      `json:"target_geo"`
}

// Identifier returns the connection ID, whichever field carried it.
func (c *Connection) Identifier() string {
	if c.ID != "" {
		return string(c.ID)
	}
	return string(c.ConnectionID)
}

// Session returns the session ID, or "" when unset.
func (c *Connection) Session() string {
	if c.SessionID == nil {
		return ""
	}
	return *c.SessionID
}

// Geo returns the target geo, or "" when unset.
func (c *Connection) Geo() string {
	if c.TargetGeo == nil {
		return ""
	}
	return *c.TargetGeo
}

// ConnectionUpdate is the body of a create or patch request. Nil fields are
// omitted. A SessionID or TargetGeo pointing at "" clears the value and is
// sent as JSON null.
type ConnectionUpdate struct {
	Description *string
	Rules       *[]string
	SessionID   *string
	TargetGeo   *string
}

// String returns a pointer to s, for ConnectionUpdate fields.
func String(s string) *string { return &s }

// Strings returns a pointer to a copy of v, for ConnectionUpdate.Rules.
func Strings(v []string) *[]string {
	c := make([]string, len(v))
	copy(c, v)
	return &c
}

// MarshalJSON implements json.Marshaler.
func (u ConnectionUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4)
	if u.Description != nil {
		m["description"] = *u.Description
	}
	if u.Rules != nil {
		rules := *u.Rules
		if rules == nil {
			rules = []string{}
		}
		m["rules"] = rules
	}
	if u.SessionID != nil {
		m["session_id"] = nullable(*u.SessionID)
	}
	if u.TargetGeo != nil {
		m["target_geo"] = nullable(*u.TargetGeo)
	}
	return json.Marshal(m)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ConnectionResult is the outcome of a conditional GetConnection.
type ConnectionResult struct {
	// Connection is nil when NotModified is true.
	Connection *Connection
	// ETag is the entity tag to send on the next conditional fetch.
	ETag string
	// NotModified reports a 304 answer to If-None-Match.
	NotModified bool
}

// DeleteResult reports a connection deletion.
type DeleteResult struct {
	ConnectionID ConnectionID `json:"connection_id"`
	Deleted      bool         `json:"deleted"`
}

func connectionPath(id string) string {
	return "/account/connections/" + url.PathEscape(id)
}

// ListConnections returns every connection of the account.
func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	res, err := c.do(ctx, "GET", "/account/connections", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeList[Connection](res.data)
}

// CreateConnection creates a connection.
func (c *Client) CreateConnection(ctx context.Context, u ConnectionUpdate) (*Connection, error) {
	res, err := c.do(ctx, "POST", "/account/connections", u, "")
	if err != nil {
		return nil, err
	}
	return decodeConnection(res.data)
}

// GetConnection fetches a connection. If etag is set it is sent as
// If-None-Match and an unchanged connection yields NotModified.
func (c *Client) GetConnection(ctx context.Context, id, etag string) (*ConnectionResult, error) {
	res, err := c.do(ctx, "GET", connectionPath(id), nil, etag)
	if err != nil {
		return nil, err
	}
	if res.notModified {
		return &ConnectionResult{ETag: res.etag, NotModified: true}, nil
	}
	conn, err := decodeConnection(res.data)
	if err != nil {
		return nil, err
	}
	return &ConnectionResult{Connection: conn, ETag: res.etag}, nil
}

// PatchConnection updates a connection and returns its new state.
func (c *Client) PatchConnection(ctx context.Context, id string, u ConnectionUpdate) (*Connection, error) {
	res, err := c.do(ctx, "PATCH", connectionPath(id), u, "")
	if err != nil {
		return nil, err
	}
	return decodeConnection(res.data)
}

// decodeConnection decodes a connection, rejecting missing or null data.
func decodeConnection(data json.RawMessage) (*Connection, error) {
	conn := &Connection{}
	ok, err := decodeData(data, conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoData
	}
	return conn, nil
}

// DeleteConnection deletes a connection.
func (c *Client) DeleteConnection(ctx context.Context, id string) (*DeleteResult, error) {
	res, err := c.do(ctx, "DELETE", connectionPath(id), nil, "")
	if err != nil {
		return nil, err
	}
	out := &DeleteResult{}
	ok, err := decodeData(res.data, out)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &DeleteResult{ConnectionID: ConnectionID(id), Deleted: false}, nil
	}
	return out, nil
}
