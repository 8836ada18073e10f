package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhangyunhao116/egress/api"
	"github.com/zhangyunhao116/egress/proxy"
)

// Client connects an application to the gateway service. It keeps the
// routing configuration in sync with the remote connection and runs the
// local proxy that applies it.
//
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	api    *api.Client
	store  *proxy.Store
	syncer *Syncer

	mu      sync.Mutex // guards the fields below
	engine  *proxy.Engine
	conn    *Connection
	stopRun context.CancelFunc
	group   *errgroup.Group
}

// NewClient creates a Client. No network activity happens until Start.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := cfg.withDefaults()

	apiClient, err := api.NewClient(&api.Config{
		APIKey:     c.APIKey,
		BaseURL:    c.APIBaseURL,
		HTTPClient: c.HTTPClient,
		Logger:     c.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	store := proxy.NewStore(nil)
	syncer, err := NewSyncer(&SyncerConfig{
		API:          apiClient,
		Store:        store,
		ConnectionID: c.ConnectionID,
		Gateway:      c.gatewayTemplate(),
		Logger:       c.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    c,
		logger: c.Logger,
		api:    apiClient,
		store:  store,
		syncer: syncer,
	}, nil
}

// API returns the control API client, for account and geo endpoints.
func (c *Client) API() *api.Client {
	return c.api
}

// ConnectionID returns the remote connection ID, or "" before Start created one.
func (c *Client) ConnectionID() string {
	return c.syncer.ConnectionID()
}

// RoutingConfig returns the current routing snapshot, or nil before the
// first sync. The returned value must not be modified.
func (c *Client) RoutingConfig() *proxy.RoutingConfig {
	return c.store.Load()
}

// Start loads the remote connection, starts the local proxy (unless in
// gateway mode) and begins background refreshes. Calling Start on a started
// client returns the existing Connection.
func (c *Client) Start(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	if c.store.Load() == nil {
		if err := c.syncer.Init(ctx); err != nil {
			return nil, err
		}
	}

	var conn *Connection
	if c.cfg.GatewayMode {
		gw := c.store.Load().Gateway
		conn = &Connection{Host: gw.Host, Port: gw.Port, URL: gw.Redacted(), client: c, gatewayMode: true}
		c.logger.Info("gateway mode, local proxy disabled", "gateway", gw.Redacted())
	} else {
		info, err := c.startEngine(ctx)
		if err != nil {
			return nil, err
		}
		conn = &Connection{Host: info.Host, Port: info.Port, URL: info.URL, client: c}
	}

	if c.cfg.PollInterval > 0 {
		runCtx, cancel := context.WithCancel(context.Background())
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error {
			return c.syncer.Run(gctx, c.cfg.PollInterval)
		})
		c.stopRun = cancel
		c.group = g
	}

	c.conn = conn
	return conn, nil
}

// startEngine starts the local proxy, replacing an engine that failed.
// Must be called with c.mu held.
func (c *Client) startEngine(ctx context.Context) (proxy.ListenerInfo, error) {
	if c.engine == nil || c.engine.State() == proxy.StateFailed {
		e, err := proxy.NewEngine(&proxy.EngineConfig{
			Store:             c.store,
			TunnelAll:         c.cfg.TunnelAll,
			BindHost:          c.cfg.BindHost,
			ReadyPollInterval: c.cfg.StartupPollInterval,
			ReadyPollAttempts: c.cfg.StartupPollAttempts,
			Logger:            c.logger,
		})
		if err != nil {
			return proxy.ListenerInfo{}, err
		}
		c.engine = e
	}
	return c.engine.Start(ctx, c.cfg.Port)
}

// Stop ends background refreshes and shuts the local proxy down. It is a
// no-op on a client that is not started. The client may be started again.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	var errs []error
	if c.stopRun != nil {
		c.stopRun()
		if err := c.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		c.stopRun, c.group = nil, nil
	}
	if c.engine != nil {
		if err := c.engine.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.conn = nil
	c.logger.Info("client stopped")
	return errors.Join(errs...)
}

// ProxyState returns the local proxy listener state. It reports
// proxy.StateNotStarted in gateway mode.
func (c *Client) ProxyState() proxy.ListenerState {
	c.mu.Lock()
	e := c.engine
	c.mu.Unlock()
	if e == nil {
		return proxy.ListenerState{BindHost: c.cfg.BindHost, RequestedPort: c.cfg.Port}
	}
	return e.ListenerState()
}

// UpdateRules replaces the routing rules of the remote connection and
// applies them once the API accepts the change. It returns the routing
// config published from the API's answer.
func (c *Client) UpdateRules(ctx context.Context, rules []string) (*proxy.RoutingConfig, error) {
	return c.syncer.Mutate(ctx, Mutation{Kind: MutateRules, Rules: rules})
}

// UpdateSessionID sets the session ID. An empty string clears it.
func (c *Client) UpdateSessionID(ctx context.Context, sessionID string) (*proxy.RoutingConfig, error) {
	return c.syncer.Mutate(ctx, Mutation{Kind: MutateSessionID, Value: sessionID})
}

// UpdateTargetGeo sets the target geo. An empty string clears it.
func (c *Client) UpdateTargetGeo(ctx context.Context, geo string) (*proxy.RoutingConfig, error) {
	return c.syncer.Mutate(ctx, Mutation{Kind: MutateTargetGeo, Value: geo})
}

// Refresh fetches the remote connection now instead of waiting for the next
// poll. It reports whether the routing configuration changed.
func (c *Client) Refresh(ctx context.Context) (bool, error) {
	return c.syncer.Refresh(ctx)
}

// ShouldProxy reports whether hostname matches the current rules.
func (c *Client) ShouldProxy(hostname string) bool {
	return c.syncer.ShouldProxy(hostname)
}
