package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Dial connects to a relay or peer address and wraps the connection.
// Addresses starting with ws:// or wss:// use the WebSocket transport; anything
// else ("host:port" or "tcp://host:port") is a TCP stream. A non-empty
// proxyURL such as socks5://127.0.0.1:9050 routes TCP streams through that
// proxy.
func Dial(ctx context.Context, address, proxyURL string) (*ConnTransport, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		if proxyURL != "" {
			return nil, fmt.Errorf("dial %s: proxies are only supported for TCP addresses", address)
		}
		return DialWebSocket(ctx, address)
	}
	address = strings.TrimPrefix(address, "tcp://")

	dialer, err := newDialer(proxyURL)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  address,
		"proxied":  proxyURL != "",
	}).Debug("Dialing stream transport")

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewStream(conn), nil
}

func newDialer(proxyURL string) (proxy.ContextDialer, error) {
	if proxyURL == "" {
		return &net.Dialer{}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support context dialing", u.Redacted())
	}
	return cd, nil
}
