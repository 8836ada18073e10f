package egress

import (
	"context"
	"net/http"
	"net/url"

	"github.com/zhangyunhao116/egress/internal/envutil"
	"github.com/zhangyunhao116/egress/proxy"
)

// Connection is the handle returned by Client.Start. It tells the
// application where to send its traffic.
type Connection struct {
	// Host and Port locate the local proxy, or the gateway in gateway mode.
	Host string
	Port int

	// URL is the proxy URL. In gateway mode the password is masked; use
	// ProxyURL for the usable value.
	URL string

	client      *Client
	gatewayMode bool
}

// ProxyURL returns the URL to configure as HTTP(S) proxy. In gateway mode
// it carries the current gateway credentials.
func (c *Connection) ProxyURL() *url.URL {
	if c.gatewayMode {
		if cfg := c.client.store.Load(); cfg != nil {
			return proxy.ResolveGateway(cfg.Gateway)
		}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &url.URL{Scheme: "http", Host: c.URL}
	}
	return u
}

// ProxyFunc returns a function for http.Transport.Proxy. In gateway mode the
// credentials are read on every call, so rotations take effect immediately.
func (c *Connection) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if c.gatewayMode {
		return func(*http.Request) (*url.URL, error) {
			return c.ProxyURL(), nil
		}
	}
	u := c.ProxyURL()
	return http.ProxyURL(u)
}

// Env returns HTTP_PROXY style variables for child processes. noProxy lists
// extra hosts that must bypass the proxy.
func (c *Connection) Env(noProxy ...string) []string {
	if c.gatewayMode {
		return proxy.GenerateProxyEnv(&proxy.EnvConfig{ProxyURL: c.ProxyURL().String(), NoProxy: noProxy})
	}
	return proxy.GenerateProxyEnv(&proxy.EnvConfig{Host: c.Host, Port: c.Port, NoProxy: noProxy})
}

// allProxyKeys would take precedence over HTTP(S)_PROXY in some tools.
var allProxyKeys = []string{"ALL_PROXY", "all_proxy"}

// Environ returns base with the proxy variables of Env merged in, ready for
// exec.Cmd.Env. Existing proxy settings in base are replaced.
func (c *Connection) Environ(base []string, noProxy ...string) []string {
	env := c.Env(noProxy...)
	if env == nil {
		return base
	}
	return envutil.Merge(envutil.Without(base, allProxyKeys...), env)
}

// Close stops the client that returned this Connection.
func (c *Connection) Close(ctx context.Context) error {
	return c.client.Stop(ctx)
}
