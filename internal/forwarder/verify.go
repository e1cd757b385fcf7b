package forwarder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Verifier checks that egress traffic actually routes through the
// configured proxy, by comparing the public ip seen with and without it.
type Verifier struct {
	dialer   *ProxyDialer
	checkURL string
	timeout  time.Duration
	log      *slog.Logger
}

// NewVerifier creates a proxy routing verifier.
func NewVerifier(dialer *ProxyDialer, checkURL string, timeout time.Duration, log *slog.Logger) *Verifier {
	return &Verifier{dialer: dialer, checkURL: checkURL, timeout: timeout, log: log}
}

// VerifyRouting confirms traffic routes through the proxy by comparing the
// direct public ip with the proxied public ip.
func (v *Verifier) VerifyRouting(ctx context.Context) error {
	directIP, err := v._direct_ip(ctx)
	if err != nil {
		return fmt.Errorf("getting direct ip: %w", err)
	}

	proxiedIP, err := v._proxied_ip(ctx)
	if err != nil {
		return fmt.Errorf("getting proxied ip: %w", err)
	}

	v.log.Info("proxy routing check", "direct_ip", directIP, "proxied_ip", proxiedIP)

	if directIP == proxiedIP {
		return fmt.Errorf("proxy not routing traffic: direct ip %s matches proxied ip %s", directIP, proxiedIP)
	}
	return nil
}

// CheckHealth verifies the proxy still works by making a request through it.
func (v *Verifier) CheckHealth(ctx context.Context) error {
	if _, err := v._proxied_ip(ctx); err != nil {
		return fmt.Errorf("proxy health check failed: %w", err)
	}
	return nil
}

// _direct_ip fetches the public ip without using the proxy.
func (v *Verifier) _direct_ip(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: v.timeout}
	return v._fetch_ip(ctx, client)
}

// _proxied_ip fetches the public ip through the proxy.
func (v *Verifier) _proxied_ip(ctx context.Context) (string, error) {
	client := &http.Client{
		Transport: &http.Transport{DialContext: v.dialer.DialContext},
		Timeout:   v.timeout,
	}
	return v._fetch_ip(ctx, client)
}

// _fetch_ip queries the ip check service and returns the reported address.
func (v *Verifier) _fetch_ip(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.checkURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching ip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid ip address returned: %q", ip)
	}
	return ip, nil
}
