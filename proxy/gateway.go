package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// gatewayHandshakeTimeout bounds the CONNECT exchange with the gateway.
const gatewayHandshakeTimeout = 10 * time.Second

// lookupHost resolves targets locally for socks5 gateways.
var lookupHost = net.DefaultResolver.LookupHost

// DialFunc dials a network address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// dialGateway opens a tunnel to target through the gateway described by gw.
// HTTP and HTTPS gateways are asked to CONNECT; SOCKS5 gateways use the
// SOCKS5 CONNECT command with username/password authentication. A socks5
// gateway receives the locally resolved address, a socks5h gateway the
// hostname.
func dialGateway(ctx context.Context, dial DialFunc, gw GatewayCredentials, target string) (net.Conn, error) {
	if !gw.Configured() {
		return nil, fmt.Errorf("proxy: gateway not configured")
	}
	switch gatewayScheme(gw.Protocol) {
	case ProtocolHTTP:
		conn, err := dial(ctx, "tcp", gw.Addr())
		if err != nil {
			return nil, fmt.Errorf("proxy: dial gateway %s: %w", gw.Addr(), err)
		}
		return gatewayCONNECTHandshake(conn, gw, target)
	case ProtocolHTTPS:
		raw, err := dial(ctx, "tcp", gw.Addr())
		if err != nil {
			return nil, fmt.Errorf("proxy: dial gateway %s: %w", gw.Addr(), err)
		}
		conn := tls.Client(raw, &tls.Config{ServerName: gw.Host})
		if err := conn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("proxy: gateway tls handshake: %w", err)
		}
		return gatewayCONNECTHandshake(conn, gw, target)
	case ProtocolSOCKS5, ProtocolSOCKS5H:
		if gatewayScheme(gw.Protocol) == ProtocolSOCKS5 {
			resolved, err := resolveTarget(ctx, target)
			if err != nil {
				return nil, err
			}
			target = resolved
		}
		var auth *xproxy.Auth
		if gw.Username != "" || gw.Password != "" {
			auth = &xproxy.Auth{User: gw.Username, Password: gw.Password}
		}
		d, err := xproxy.SOCKS5("tcp", gw.Addr(), auth, contextDialer(dial))
		if err != nil {
			return nil, fmt.Errorf("proxy: socks5 gateway: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return d.Dial("tcp", target)
		}
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("proxy: socks5 gateway connect %s: %w", target, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("proxy: unsupported gateway protocol %q", gw.Protocol)
	}
}

// resolveTarget replaces the hostname in target with its first address.
func resolveTarget(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("proxy: invalid target %q: %w", target, err)
	}
	if net.ParseIP(host) != nil {
		return target, nil
	}
	addrs, err := lookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("proxy: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("proxy: resolve %s: no addresses", host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// gatewayCONNECTHandshake sends an authenticated CONNECT for target over conn
// and reads the response. On failure it closes conn.
func gatewayCONNECTHandshake(conn net.Conn, gw GatewayCredentials, target string) (net.Conn, error) {
	// Reject hosts with CRLF or control characters to prevent header injection.
	if strings.ContainsAny(target, "\r\n\x00") {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy: invalid target %q: contains control characters", target)
	}

	_ = conn.SetDeadline(time.Now().Add(gatewayHandshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth := basicAuth(gw.Username, gw.Password); auth != "" {
		b.WriteString("Proxy-Authorization: " + auth + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy: write CONNECT to gateway: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy: read gateway CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, &GatewayError{StatusCode: resp.StatusCode, Target: target}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, br: br}, nil
	}
	return conn, nil
}

// GatewayError reports a non-200 answer from the gateway to a CONNECT.
type GatewayError struct {
	StatusCode int
	Target     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("proxy: gateway refused CONNECT %s: status %d", e.Target, e.StatusCode)
}

// basicAuth returns a Basic Proxy-Authorization value, or "" without credentials.
func basicAuth(username, password string) string {
	if username == "" && password == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// bufferedConn wraps a net.Conn with a bufio.Reader so that any data
// buffered during the HTTP response read is not lost.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// contextDialer adapts a DialFunc to the x/net/proxy dialer interfaces.
type contextDialer DialFunc

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}
