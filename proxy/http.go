package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default timeouts for the HTTP proxy.
const (
	defaultDialTimeout = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// maxRequestBodySize is the maximum allowed size for incoming request bodies
// forwarded through the HTTP proxy (10 MB).
const maxRequestBodySize = 10 << 20

// hopByHopHeaders are dropped in both directions when forwarding.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPConfig configures the HTTP proxy handler.
type HTTPConfig struct {
	// Decider picks the route for each request. If nil, every request goes
	// direct.
	Decider *Decider

	// DialContext establishes outbound TCP connections, both to targets and
	// to the gateway. Defaults to a net.Dialer with DialTimeout.
	DialContext DialFunc

	// DialTimeout is the timeout for establishing outbound connections.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// IdleTimeout is the idle timeout for the proxy HTTP server.
	// Defaults to 60s if zero.
	IdleTimeout time.Duration

	// MaxRequestBodySize is the maximum allowed size in bytes for incoming
	// request bodies. Defaults to maxRequestBodySize (10 MB) if zero.
	MaxRequestBodySize int64

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// HTTPProxy is an HTTP/HTTPS forward proxy handler. Each request is routed
// either directly or through the upstream gateway according to its Decider.
type HTTPProxy struct {
	config  *HTTPConfig
	decider *Decider

	// dialFunc is used for direct dials and for reaching the gateway.
	dialFunc DialFunc

	// direct forwards plain HTTP requests straight to the target.
	direct *http.Transport

	// viaGateway forwards plain HTTP requests to the gateway named in the
	// request context.
	viaGateway *http.Transport
}

type gatewayCtxKey struct{}

// NewHTTPProxy creates an HTTPProxy. A nil cfg uses defaults.
func NewHTTPProxy(cfg *HTTPConfig) *HTTPProxy {
	c := HTTPConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = maxRequestBodySize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.DialContext == nil {
		c.DialContext = (&net.Dialer{Timeout: c.DialTimeout}).DialContext
	}

	return &HTTPProxy{
		config:   &c,
		decider:  c.Decider,
		dialFunc: c.DialContext,
		direct: &http.Transport{
			DialContext:       c.DialContext,
			DisableKeepAlives: true,
		},
		viaGateway: &http.Transport{
			Proxy:             gatewayFromContext,
			DialContext:       c.DialContext,
			DisableKeepAlives: true,
		},
	}
}

// gatewayFromContext returns the gateway URL attached to the request. The
// credentials live only in the routing snapshot the decision was made on.
func gatewayFromContext(r *http.Request) (*url.URL, error) {
	gw, ok := r.Context().Value(gatewayCtxKey{}).(GatewayCredentials)
	if !ok {
		return nil, errors.New("proxy: no gateway for request")
	}
	return ResolveGateway(gw), nil
}

// CloseIdleConnections closes idle upstream connections.
func (p *HTTPProxy) CloseIdleConnections() {
	p.direct.CloseIdleConnections()
	p.viaGateway.CloseIdleConnections()
}

// ServeHTTP dispatches incoming requests to the appropriate handler based on
// the HTTP method. CONNECT requests are handled as HTTPS tunnels; all other
// requests are forwarded as regular HTTP proxy requests.
func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// decide runs the routing hook, defaulting to direct without a Decider.
func (p *HTTPProxy) decide(r *http.Request) Decision {
	if p.decider == nil {
		return Decision{Route: RouteDirect, Host: NormalizeHostname(requestTarget(r))}
	}
	return p.decider.Decide(r)
}

// handleHTTP forwards an absolute-form request to the target or the gateway.
func (p *HTTPProxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "proxy: request URL must be absolute", http.StatusBadRequest)
		return
	}
	host, _, err := splitTarget(r.URL.Host, 80)
	if err != nil {
		http.Error(w, "proxy: "+err.Error(), http.StatusBadRequest)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, p.config.MaxRequestBodySize)

	dec := p.decide(r)
	ctx, transport := r.Context(), p.direct
	if dec.Route == RouteGateway {
		ctx, transport = context.WithValue(ctx, gatewayCtxKey{}, dec.Gateway), p.viaGateway
	}

	out := r.Clone(ctx)
	out.RequestURI = ""
	removeHopByHopHeaders(out.Header)

	resp, err := transport.RoundTrip(out)
	if err != nil {
		p.config.Logger.Error("upstream request failed", "host", host, "route", dec.Route.String(), "error", err)
		http.Error(w, "proxy: upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	maps.Copy(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if n, err := io.Copy(w, resp.Body); err != nil {
		p.config.Logger.Debug("response copy interrupted", "host", host, "bytes", n, "error", err)
	}
}

// handleConnect opens a tunnel to the CONNECT target, through the gateway
// when the decision says so.
func (p *HTTPProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := splitTarget(r.Host, 443)
	if err != nil {
		http.Error(w, "proxy: "+err.Error(), http.StatusBadRequest)
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	dec := p.decide(r)
	upstream, err := p.dialRoute(r.Context(), dec, target)
	if err != nil {
		if dec.Route == RouteGateway {
			p.config.Logger.Error("CONNECT via gateway failed", "target", target, "gateway", dec.Gateway.Redacted(), "error", err)
			http.Error(w, "proxy: gateway unavailable for "+host, http.StatusBadGateway)
			return
		}
		p.config.Logger.Error("CONNECT dial failed", "target", target, "error", err)
		http.Error(w, "proxy: dial target: "+err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "proxy: hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		p.config.Logger.Error("hijack failed", "target", target, "error", err)
		return
	}
	if _, err := io.WriteString(client, connectEstablished); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	up, down := splice(client, rw.Reader, upstream)
	p.config.Logger.Debug("tunnel closed", "target", target, "route", dec.Route.String(), "bytes_up", up, "bytes_down", down)
}

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// dialRoute connects to target directly or through the decided gateway.
func (p *HTTPProxy) dialRoute(ctx context.Context, dec Decision, target string) (net.Conn, error) {
	if dec.Route == RouteGateway {
		return dialGateway(ctx, p.dialFunc, dec.Gateway, target)
	}
	return p.dialFunc(ctx, "tcp", target)
}

// splice copies in both directions until either side finishes, then closes
// both connections. clientBuf carries bytes the server already buffered from
// the client. It returns the byte counts sent upstream and downstream.
func splice(client net.Conn, clientBuf io.Reader, upstream net.Conn) (up, down int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeBoth()
		up, _ = io.Copy(upstream, clientBuf)
	}()
	down, _ = io.Copy(client, upstream)
	closeBoth()
	<-done
	return up, down
}

// splitTarget splits host[:port] and validates the port. A missing port
// becomes defaultPort; IPv6 literals may be bracketed.
func splitTarget(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, errors.New("empty address")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		portStr = ""
	}
	if host == "" {
		return "", 0, fmt.Errorf("empty host in %q", hostport)
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// removeHopByHopHeaders strips the standard hop-by-hop headers and any
// header named in Connection.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
