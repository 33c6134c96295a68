package pool

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/unkn0wn-root/egress/internal/config"
	"golang.org/x/net/http2"
)

const (
	dialTimeout         = 10 * time.Second
	dialKeepAlive       = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	h2ReadIdleTimeout   = 30 * time.Second
	h2PingTimeout       = 15 * time.Second
)

// clientFactory builds the *http.Client owned by a fresh handle.
type clientFactory func() (*http.Client, error)

// newClientFactory returns a factory producing clients with their own
// transport, so retiring one handle never disturbs sockets of another.
func newClientFactory(cfg config.HTTPClientConfig) clientFactory {
	return func() (*http.Client, error) {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: dialKeepAlive,
			}).DialContext,
			MaxConnsPerHost:       cfg.MaxConnections,
			MaxIdleConns:          cfg.MaxKeepaliveConnections,
			MaxIdleConnsPerHost:   cfg.MaxKeepaliveConnections,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		}

		if cfg.HTTP2Enabled() {
			h2, err := http2.ConfigureTransports(transport)
			if err != nil {
				return nil, fmt.Errorf("pool: configure http2: %w", err)
			}
			h2.ReadIdleTimeout = h2ReadIdleTimeout
			h2.PingTimeout = h2PingTimeout
		}

		return &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		}, nil
	}
}
