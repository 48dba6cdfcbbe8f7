// Package safehttp builds outbound HTTP transports for upstream calls.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// guardedDial rejects connections to private or loopback IP ranges to reduce SSRF risk.
func guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		conn.Close()
		return nil, fmt.Errorf("access to private IP %s is denied", ip)
	}

	return conn, nil
}

// NewTransport returns a traced transport. Unless allowPrivate is set,
// dials to private and loopback addresses are refused.
func NewTransport(allowPrivate bool) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		base.DialContext = guardedDial
	}
	return otelhttp.NewTransport(base)
}
