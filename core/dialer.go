package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer establishes outbound connections to servers, optionally through a
// SOCKS5 proxy, and optionally wrapped in TLS. It is the sole place raw
// sockets get created.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	Proxy     ProxyConfig
}

// NewDialer creates a dialer with the given timeout/keepalive settings.
func NewDialer(timeout, keepAlive time.Duration, proxyCfg ProxyConfig) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive, Proxy: proxyCfg}
}

// dialTCP opens a raw TCP connection to addr, honoring the configured proxy.
func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if d.Proxy.Enabled {
		var auth *proxy.Auth
		if d.Proxy.Username != "" {
			auth = &proxy.Auth{User: d.Proxy.Username, Password: d.Proxy.Password}
		}
		proxyAddr := fmt.Sprintf("%s:%d", d.Proxy.Host, d.Proxy.Port)
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: d.Timeout})
		if err != nil {
			return nil, fmt.Errorf("dialer: socks5 setup: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, "tcp", addr)
		}
		return dialer.Dial("tcp", addr)
	}

	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return conn, nil
}

// DialPlain connects over plain TCP.
func (d *Dialer) DialPlain(ctx context.Context, server ServerAddr) (net.Conn, error) {
	return d.dialTCP(ctx, fmt.Sprintf("%s:%d", server.Host, server.Port))
}

// DialTLS connects and performs a TLS handshake using cfg, which already
// encodes the trust decision made by the certificate policy.
func (d *Dialer) DialTLS(ctx context.Context, server ServerAddr, cfg *tls.Config) (net.Conn, error) {
	raw, err := d.dialTCP(ctx, fmt.Sprintf("%s:%d", server.Host, server.Port))
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, &ConnectError{Addr: server.String(), Err: err}
	}
	return tlsConn, nil
}
