package forwarder

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyDialer routes the relay connection through a socks5 or http connect
// egress proxy, for forwarders running behind restricted networks.
type ProxyDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// NewProxyDialer parses the proxy url and returns a dialer. supported
// schemes: socks5, socks5h, http, https.
func NewProxyDialer(rawURL string, timeout time.Duration) (*ProxyDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
	return &ProxyDialer{proxyURL: u, timeout: timeout}, nil
}

// DialContext establishes a connection to the target address through the
// proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch strings.ToLower(d.proxyURL.Scheme) {
	case "socks5", "socks5h":
		return d._dial_socks5(ctx, network, addr)
	default:
		return d._dial_http_connect(ctx, addr)
	}
}

// _dial_socks5 connects through a socks5 proxy with optional authentication.
func (d *ProxyDialer) _dial_socks5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

// _dial_http_connect connects through an http connect proxy with optional
// basic auth.
func (d *ProxyDialer) _dial_http_connect(ctx context.Context, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if !strings.Contains(proxyHost, ":") {
		if d.proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to http proxy: %w", err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		connectReq += "Proxy-Authorization: Basic " + creds + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := _read_connect_status(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("http connect failed: %s", strings.TrimSpace(status))
	}
	return conn, nil
}

// _read_connect_status reads the status line of the proxy's connect reply
// and drains the remaining headers.
func _read_connect_status(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading status line: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return statusLine, nil
		}
		if strings.TrimSpace(line) == "" {
			return statusLine, nil
		}
	}
}
