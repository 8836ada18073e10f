package proxy

import (
	"net"
	"strconv"
	"strings"
)

// EnvConfig configures proxy environment variable generation.
type EnvConfig struct {
	// Host is the proxy listen host. Defaults to 127.0.0.1.
	Host string

	// Port is the port number of the HTTP/CONNECT proxy.
	Port int

	// ProxyURL, if set, is used verbatim instead of Host and Port. It lets
	// children use the gateway directly.
	ProxyURL string

	// NoProxy lists extra hosts that should bypass the proxy. Loopback
	// addresses are always included.
	NoProxy []string
}

// defaultNoProxy lists loopback addresses that never go through the proxy.
var defaultNoProxy = []string{"localhost", "127.0.0.1", "::1"}

// GenerateProxyEnv generates environment variables pointing child processes
// at the local proxy. It returns a slice of "KEY=VALUE" strings suitable for
// use in exec.Cmd.Env, or nil if cfg has neither a port nor a ProxyURL.
func GenerateProxyEnv(cfg *EnvConfig) []string {
	if cfg == nil || (cfg.Port <= 0 && cfg.ProxyURL == "") {
		return nil
	}
	proxyURL := cfg.ProxyURL
	if proxyURL == "" {
		host := cfg.Host
		if host == "" {
			host = defaultBindHost
		}
		proxyURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}

	noProxy := strings.Join(append(append([]string(nil), defaultNoProxy...), cfg.NoProxy...), ",")

	return []string{
		"HTTP_PROXY=" + proxyURL,
		"http_proxy=" + proxyURL,
		"HTTPS_PROXY=" + proxyURL,
		"https_proxy=" + proxyURL,
		"NO_PROXY=" + noProxy,
		"no_proxy=" + noProxy,
	}
}
