package egress

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhangyunhao116/egress/api"
	"github.com/zhangyunhao116/egress/proxy"
)

// Defaults used by DefaultConfig and NewClient.
const (
	DefaultGatewayHost  = "gateway.aluvia.io"
	DefaultPollInterval = 5 * time.Second

	defaultHTTPGatewayPort  = 8080
	defaultHTTPSGatewayPort = 8443
	defaultBindHost         = "127.0.0.1"
	defaultStartupInterval  = 100 * time.Millisecond
	defaultStartupAttempts  = 50
)

// GatewayConfig locates the upstream gateway. Credentials come from the
// remote connection.
type GatewayConfig struct {
	// Protocol is one of "http", "https", "socks5" or "socks5h".
	// Defaults to "http".
	Protocol string

	// Host is the gateway hostname. Defaults to DefaultGatewayHost.
	Host string

	// Port is the gateway port. Zero selects 8080 for http and 8443 for
	// https; socks5 requires an explicit port.
	Port int
}

// Config holds the configuration of a Client.
type Config struct {
	// APIKey authenticates against the control API. Required.
	APIKey string

	// ConnectionID selects the remote connection. If empty, Start creates a
	// new connection.
	ConnectionID string

	// APIBaseURL is the control API root. Defaults to api.DefaultBaseURL.
	APIBaseURL string

	// PollInterval is the period of background refreshes from the control
	// API. Defaults to 5s. A negative value disables polling.
	PollInterval time.Duration

	// Gateway locates the upstream gateway.
	Gateway GatewayConfig

	// GatewayMode skips the local proxy: Start returns a Connection that
	// points at the gateway itself, and every request is tunneled.
	GatewayMode bool

	// BindHost is the local proxy listen address. Defaults to 127.0.0.1.
	BindHost string

	// Port is the local proxy port. Zero picks an ephemeral port.
	Port int

	// TunnelAll routes every connection through the gateway. Rules are
	// still evaluated and logged but do not change the route.
	TunnelAll bool

	// StartupPollInterval and StartupPollAttempts bound how long Start
	// waits for the local listener. Defaults are 100ms and 50.
	StartupPollInterval time.Duration
	StartupPollAttempts int

	// HTTPClient is used for control API calls. If nil, a default client is
	// used.
	HTTPClient *http.Client

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with defaults for everything but the API key.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:   api.DefaultBaseURL,
		PollInterval: DefaultPollInterval,
		Gateway: GatewayConfig{
			Protocol: proxy.ProtocolHTTP,
			Host:     DefaultGatewayHost,
			Port:     defaultHTTPGatewayPort,
		},
		BindHost:            defaultBindHost,
		StartupPollInterval: defaultStartupInterval,
		StartupPollAttempts: defaultStartupAttempts,
	}
}

// Validate checks the configuration for errors and returns a descriptive error
// if any field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, "APIKey: must not be empty")
	}

	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("APIBaseURL: %q must be an absolute http(s) URL", c.APIBaseURL))
		}
	}

	errs = c.validateGateway(errs)

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("Port: %d out of range", c.Port))
	}
	if c.BindHost != "" && net.ParseIP(c.BindHost) == nil && c.BindHost != "localhost" {
		errs = append(errs, fmt.Sprintf("BindHost: %q must be an IP address or localhost", c.BindHost))
	}
	if c.StartupPollInterval < 0 {
		errs = append(errs, "StartupPollInterval: must be >= 0")
	}
	if c.StartupPollAttempts < 0 {
		errs = append(errs, "StartupPollAttempts: must be >= 0")
	}
	if c.GatewayMode && c.TunnelAll {
		errs = append(errs, "TunnelAll: has no effect in GatewayMode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// validateGateway checks gateway fields and appends any validation errors to errs.
func (c *Config) validateGateway(errs []string) []string {
	switch strings.ToLower(c.Gateway.Protocol) {
	case "", proxy.ProtocolHTTP, proxy.ProtocolHTTPS:
	case proxy.ProtocolSOCKS5, proxy.ProtocolSOCKS5H:
		if c.Gateway.Port == 0 {
			errs = append(errs, "Gateway.Port: required for socks5 gateways")
		}
	default:
		errs = append(errs, fmt.Sprintf("Gateway.Protocol: unsupported protocol %q", c.Gateway.Protocol))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Sprintf("Gateway.Port: %d out of range", c.Gateway.Port))
	}
	if strings.ContainsAny(c.Gateway.Host, "/:@ ") {
		errs = append(errs, fmt.Sprintf("Gateway.Host: %q must be a bare hostname", c.Gateway.Host))
	}
	return errs
}

// withDefaults returns a copy of c with zero values filled in.
func (c *Config) withDefaults() Config {
	out := *c
	out.APIKey = strings.TrimSpace(out.APIKey)
	if out.APIBaseURL == "" {
		out.APIBaseURL = api.DefaultBaseURL
	}
	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}
	out.Gateway.Protocol = strings.ToLower(out.Gateway.Protocol)
	if out.Gateway.Protocol == "" {
		out.Gateway.Protocol = proxy.ProtocolHTTP
	}
	if out.Gateway.Host == "" {
		out.Gateway.Host = DefaultGatewayHost
	}
	if out.Gateway.Port == 0 {
		out.Gateway.Port = defaultHTTPGatewayPort
		if out.Gateway.Protocol == proxy.ProtocolHTTPS {
			out.Gateway.Port = defaultHTTPSGatewayPort
		}
	}
	if out.BindHost == "" {
		out.BindHost = defaultBindHost
	}
	if out.StartupPollInterval == 0 {
		out.StartupPollInterval = defaultStartupInterval
	}
	if out.StartupPollAttempts == 0 {
		out.StartupPollAttempts = defaultStartupAttempts
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// gatewayTemplate returns the gateway location without credentials.
func (c *Config) gatewayTemplate() proxy.GatewayCredentials {
	return proxy.GatewayCredentials{
		Protocol: c.Gateway.Protocol,
		Host:     c.Gateway.Host,
		Port:     c.Gateway.Port,
	}
}
