package egress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zhangyunhao116/egress/api"
	"github.com/zhangyunhao116/egress/proxy"
)

// refreshTimeout bounds one shared refresh fetch.
const refreshTimeout = 30 * time.Second

// ControlPlane is the subset of the control API used to keep the routing
// configuration in sync. *api.Client implements it.
type ControlPlane interface {
	GetConnection(ctx context.Context, id, etag string) (*api.ConnectionResult, error)
	PatchConnection(ctx context.Context, id string, u api.ConnectionUpdate) (*api.Connection, error)
	CreateConnection(ctx context.Context, u api.ConnectionUpdate) (*api.Connection, error)
}

// MutationKind selects the field a Mutation changes.
type MutationKind int

const (
	// MutateRules replaces the routing rules.
	MutateRules MutationKind = iota + 1
	// MutateSessionID sets or clears the session ID.
	MutateSessionID
	// MutateTargetGeo sets or clears the target geo.
	MutateTargetGeo
)

// String returns the string representation of a MutationKind.
func (k MutationKind) String() string {
	switch k {
	case MutateRules:
		return "rules"
	case MutateSessionID:
		return "session_id"
	case MutateTargetGeo:
		return "target_geo"
	default:
		return "unknown"
	}
}

// Mutation is one change to the remote connection.
type Mutation struct {
	Kind MutationKind
	// Rules is the new rule list for MutateRules.
	Rules []string
	// Value is the new session ID or target geo. Empty clears it.
	Value string
}

func (m Mutation) update() (api.ConnectionUpdate, error) {
	switch m.Kind {
	case MutateRules:
		return api.ConnectionUpdate{Rules: api.Strings(m.Rules)}, nil
	case MutateSessionID:
		return api.ConnectionUpdate{SessionID: api.String(m.Value)}, nil
	case MutateTargetGeo:
		return api.ConnectionUpdate{TargetGeo: api.String(m.Value)}, nil
	default:
		return api.ConnectionUpdate{}, ErrInvalidMutation
	}
}

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// API is the control plane. Required.
	API ControlPlane

	// Store receives every published RoutingConfig. Required.
	Store *proxy.Store

	// ConnectionID is the remote connection. If empty, Init creates one.
	ConnectionID string

	// Gateway locates the gateway. Username and password are taken from the
	// remote connection.
	Gateway proxy.GatewayCredentials

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Syncer keeps a proxy.Store in sync with the remote connection. Local
// mutations are applied remotely first and published only on success.
//
// It is safe for concurrent use.
type Syncer struct {
	api     ControlPlane
	store   *proxy.Store
	gateway proxy.GatewayCredentials
	logger  *slog.Logger

	mu           sync.Mutex // guards connectionID and etag
	connectionID string
	etag         string

	mutateMu sync.Mutex // serializes mutations
	refresh  singleflight.Group
	warn     *rate.Sometimes
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg *SyncerConfig) (*Syncer, error) {
	if cfg == nil || cfg.API == nil || cfg.Store == nil {
		return nil, errors.New("egress: syncer requires an API and a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{
		api:          cfg.API,
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		logger:       logger,
		connectionID: cfg.ConnectionID,
		warn:         &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// ConnectionID returns the remote connection ID, or "" before Init created one.
func (s *Syncer) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Syncer) state() (id, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID, s.etag
}

func (s *Syncer) setETag(etag string) {
	s.mu.Lock()
	s.etag = etag
	s.mu.Unlock()
}

// Init publishes the first RoutingConfig. Without a connection ID a new
// connection is created first.
func (s *Syncer) Init(ctx context.Context) error {
	if s.ConnectionID() != "" {
		_, err := s.Refresh(ctx)
		return err
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	conn, err := s.api.CreateConnection(ctx, api.ConnectionUpdate{})
	if err != nil {
		return newSyncError("create", "", err)
	}
	id := conn.Identifier()
	if id == "" {
		return newSyncError("create", "", errors.New("response carries no connection id"))
	}

	s.mu.Lock()
	s.connectionID = id
	s.etag = ""
	s.mu.Unlock()

	s.store.Replace(s.routingConfig(conn))
	s.logger.Info("created connection", "connection_id", id)
	return nil
}

// Mutate applies m to the remote connection and publishes the returned
// state, which it also returns. On failure the store is left untouched.
func (s *Syncer) Mutate(ctx context.Context, m Mutation) (*proxy.RoutingConfig, error) {
	op := m.Kind.String()
	u, err := m.update()
	if err != nil {
		return nil, err
	}
	id := s.ConnectionID()
	if id == "" {
		return nil, newSyncError(op, "", ErrNoConnection)
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	conn, err := s.api.PatchConnection(ctx, id, u)
	if err == nil && conn == nil {
		err = api.ErrNoData
	}
	if err != nil {
		s.logger.Warn("connection update failed", "connection_id", id, "field", op, "error", err)
		return nil, newSyncError(op, id, err)
	}

	cfg := s.routingConfig(conn)
	s.store.Replace(cfg)
	// The PATCH response carries no entity tag; force a full fetch next.
	s.setETag("")
	s.logger.Info("connection updated", "connection_id", id, "field", op)
	return cfg, nil
}

// Refresh fetches the remote connection and publishes it if it changed.
// It reports whether a new config was published. Concurrent calls share
// one fetch, which is not tied to any single caller's context; each caller
// stops waiting when its own ctx is done. A fetch that started before a
// mutation published is dropped.
func (s *Syncer) Refresh(ctx context.Context) (bool, error) {
	ch := s.refresh.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.doRefresh(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return false, newSyncError("refresh", s.ConnectionID(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (s *Syncer) doRefresh(ctx context.Context) (bool, error) {
	id, etag := s.state()
	if id == "" {
		return false, newSyncError("refresh", "", ErrNoConnection)
	}

	version := s.store.Version()
	res, err := s.api.GetConnection(ctx, id, etag)
	if err != nil {
		return false, newSyncError("refresh", id, err)
	}
	if res.NotModified {
		return false, nil
	}
	if res.Connection == nil {
		return false, newSyncError("refresh", id, api.ErrNoData)
	}

	cfg := s.routingConfig(res.Connection)
	if cfg.Equal(s.store.Load()) {
		s.setETag(res.ETag)
		return false, nil
	}
	if !s.store.ReplaceIf(version, cfg) {
		s.logger.Debug("dropping stale refresh", "connection_id", id)
		return false, nil
	}
	s.setETag(res.ETag)
	s.logger.Info("routing config refreshed", "connection_id", id, "rules", len(cfg.Rules))
	return true, nil
}

// Run refreshes every interval until ctx is done. Failures are logged and
// retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.warn.Do(func() {
				s.logger.Warn("config refresh failed", "error", err)
			})
		}
	}
}

// ShouldProxy reports whether hostname matches the current rules. In
// tunnel-all mode the answer is advisory only.
func (s *Syncer) ShouldProxy(hostname string) bool {
	cfg := s.store.Load()
	if cfg == nil {
		return false
	}
	return proxy.Matches(hostname, cfg.Rules)
}

// routingConfig converts a remote connection into a RoutingConfig. Missing
// proxy credentials keep the ones currently published.
func (s *Syncer) routingConfig(conn *api.Connection) *proxy.RoutingConfig {
	gw := s.gateway
	gw.Username = conn.ProxyUsername
	gw.Password = conn.ProxyPassword
	if gw.Username == "" && gw.Password == "" {
		if cur := s.store.Load(); cur != nil {
			gw.Username = cur.Gateway.Username
			gw.Password = cur.Gateway.Password
		}
	}
	return proxy.NewRoutingConfig(conn.Rules, conn.Session(), conn.Geo(), gw)
}
