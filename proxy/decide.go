package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Route is the action taken for one inbound request.
type Route int

const (
	// RouteDirect connects to the target without the gateway.
	RouteDirect Route = iota

	// RouteGateway tunnels the request through the upstream gateway.
	RouteGateway
)

// String returns the string representation of a Route.
func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// Decision is the routing outcome for one request.
type Decision struct {
	// Route is the action to take.
	Route Route

	// Host is the normalized target hostname, without port.
	Host string

	// Matched is the rule evaluation result. With TunnelAll set it is
	// advisory only.
	Matched bool

	// Gateway holds the credentials of the snapshot the decision was made
	// against. It is only set when Route is RouteGateway.
	Gateway GatewayCredentials

	// Err is set when the decision failed open. It is always a
	// *RoutingDecisionError and Route is then RouteDirect.
	Err error
}

// RoutingDecisionError describes an internal failure while routing a request.
// It never reaches the client: the request goes direct instead.
type RoutingDecisionError struct {
	Host string
	Err  error
}

func (e *RoutingDecisionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("proxy: routing decision failed: %v", e.Err)
	}
	return fmt.Sprintf("proxy: routing decision for %q failed: %v", e.Host, e.Err)
}

func (e *RoutingDecisionError) Unwrap() error {
	return e.Err
}

var (
	errNoHost   = errors.New("no target hostname in request")
	errNoConfig = errors.New("no routing configuration available")
	errNoRoute  = errors.New("gateway credentials not configured")
)

// MatchFunc evaluates a hostname against a rule set.
type MatchFunc func(hostname string, rules []RulePattern) bool

// DeciderConfig configures a Decider.
type DeciderConfig struct {
	// Store supplies the routing snapshot read on every decision. Required.
	Store *Store

	// TunnelAll routes every request through the gateway regardless of
	// rules. Rules are still evaluated and reported in Decision.Matched.
	TunnelAll bool

	// Match overrides the rule matcher. Defaults to Matches.
	Match MatchFunc

	// Normalize overrides hostname normalization. Defaults to
	// NormalizeHostname.
	Normalize func(string) string

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Decider makes the per-request tunnel/direct decision. It never fails:
// internal errors and panics resolve to a direct route.
type Decider struct {
	store     *Store
	tunnelAll bool
	match     MatchFunc
	normalize func(string) string
	logger    *slog.Logger
	warn      *rate.Sometimes
}

// NewDecider creates a Decider.
func NewDecider(cfg *DeciderConfig) *Decider {
	if cfg == nil {
		cfg = &DeciderConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	match := cfg.Match
	if match == nil {
		match = Matches
	}
	normalize := cfg.Normalize
	if normalize == nil {
		normalize = NormalizeHostname
	}
	return &Decider{
		store:     cfg.Store,
		tunnelAll: cfg.TunnelAll,
		match:     match,
		normalize: normalize,
		logger:    logger,
		warn:      &rate.Sometimes{First: 3, Interval: 2 * time.Second},
	}
}

// Decide routes r. For CONNECT requests the hostname is taken from the
// request target; otherwise from the absolute URL or the Host header.
func (d *Decider) Decide(r *http.Request) Decision {
	target := ""
	if r != nil {
		target = requestTarget(r)
	}
	return d.DecideHost(target)
}

// DecideHost routes a connection to target, which may carry a port.
func (d *Decider) DecideHost(target string) (dec Decision) {
	host := target
	defer func() {
		if v := recover(); v != nil {
			dec = d.failOpen(host, fmt.Errorf("panic: %v", v))
		}
	}()
	host = d.normalize(target)

	if host == "" {
		return d.failOpen(target, errNoHost)
	}
	if d.store == nil {
		return d.failOpen(host, errNoConfig)
	}
	cfg := d.store.Load()
	if cfg == nil {
		return d.failOpen(host, errNoConfig)
	}

	matched := d.match(host, cfg.Rules)
	dec = Decision{Route: RouteDirect, Host: host, Matched: matched}

	if d.tunnelAll || matched {
		if !cfg.Gateway.Configured() {
			return d.failOpen(host, errNoRoute)
		}
		dec.Route = RouteGateway
		dec.Gateway = cfg.Gateway
	}

	if d.tunnelAll {
		d.logger.Debug("routing decision", "host", host, "route", dec.Route.String(), "rule_match", matched, "tunnel_all", true)
	} else {
		d.logger.Debug("routing decision", "host", host, "route", dec.Route.String())
	}
	return dec
}

// failOpen returns a direct decision carrying the internal error.
func (d *Decider) failOpen(host string, err error) Decision {
	rerr := &RoutingDecisionError{Host: host, Err: err}
	d.warn.Do(func() {
		d.logger.Warn("routing failed open to direct", "host", host, "error", err)
	})
	return Decision{Route: RouteDirect, Host: host, Err: rerr}
}

// requestTarget extracts host[:port] of the request destination.
func requestTarget(r *http.Request) string {
	if r.Method == http.MethodConnect {
		// The authority form "host:port" is carried in the request line.
		if r.URL != nil && r.URL.Host != "" {
			return r.URL.Host
		}
		if r.URL != nil && r.URL.Opaque != "" {
			return r.URL.Opaque
		}
		return r.Host
	}
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}
