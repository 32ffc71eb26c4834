package upstream

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/codexlb/codex-lb/internal/config"
)

// Inliner downloads remote input_image URLs and replaces them with data:
// URLs before the payload goes upstream. DNS is resolved once, every
// resolved IP is checked against private ranges, and the connection dials
// the vetted IP directly with SNI pinned to the original host. Redirects
// are never followed.
type Inliner struct {
	enabled      bool
	allowedHosts map[string]bool
	maxBytes     int64
	timeout      time.Duration
	resolver     *net.Resolver
}

func NewInliner(cfg *config.Config) *Inliner {
	allowed := make(map[string]bool, len(cfg.ImageInlineAllowedHosts))
	for _, h := range cfg.ImageInlineAllowedHosts {
		allowed[h] = true
	}
	return &Inliner{
		enabled:      cfg.ImageInlineEnabled,
		allowedHosts: allowed,
		maxBytes:     cfg.ImageInlineMaxBytes,
		timeout:      cfg.ImageInlineTimeout,
		resolver:     net.DefaultResolver,
	}
}

// Rewrite inlines every fetchable input_image URL in the payload. Items that
// cannot be fetched safely are left untouched; the payload is always usable.
func (in *Inliner) Rewrite(ctx context.Context, body []byte) []byte {
	if in == nil || !in.enabled {
		return body
	}

	items := gjson.GetBytes(body, "input")
	if !items.IsArray() {
		return body
	}

	out := body
	for i, item := range items.Array() {
		if item.Get("type").String() != "input_image" {
			continue
		}
		rawURL := item.Get("image_url").String()
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			continue
		}

		dataURL, err := in.fetch(ctx, rawURL)
		if err != nil {
			continue
		}
		if rewritten, err := sjson.SetBytes(out, fmt.Sprintf("input.%d.image_url", i), dataURL); err == nil {
			out = rewritten
		}
	}
	return out
}

func (in *Inliner) fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("image url has no host")
	}
	if len(in.allowedHosts) > 0 && !in.allowedHosts[strings.ToLower(host)] {
		return "", fmt.Errorf("host %s not in allowlist", host)
	}

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	ip, err := in.resolvePublic(ctx, host)
	if err != nil {
		return "", err
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	client := &http.Client{
		Transport: &http.Transport{
			// Dial the vetted IP so a second DNS answer cannot redirect
			// the fetch; SNI and Host stay on the original name.
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := &net.Dialer{}
				return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			},
			TLSClientConfig: &tls.Config{ServerName: host},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, in.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > in.maxBytes {
		return "", fmt.Errorf("image exceeds %d bytes", in.maxBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "text/") {
		mime = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// resolvePublic resolves the host and returns one address, failing if any
// resolved IP points at a private or otherwise non-routable network.
func (in *Inliner) resolvePublic(ctx context.Context, host string) (net.IP, error) {
	ips, err := in.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return nil, fmt.Errorf("host %s resolves to disallowed address %s", host, ip)
		}
	}
	return ips[0], nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
