package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/samber/lo"
)

// allowedSchemes は外部エンドポイントに許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は外部エンドポイントとして受け付けないネットワーク範囲。
// 接続時の検証はsafeurlのDialerが行い、ここでは設定値の静的な検証にだけ使う。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	// クラウドのメタデータIP (169.254.169.254) を含む
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

var blockedHostnames = []string{"localhost"}

// ValidateEndpoint は外部エンドポイントURLを静的に検証し、接続先ポートを返す。
// DNS再バインディングは NewEndpointClient が返すクライアント側で防ぐ。
func ValidateEndpoint(rawURL string) (int, error) {
	if rawURL == "" {
		return 0, fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !lo.Contains(allowedSchemes, scheme) {
		return 0, fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return 0, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if lo.Contains(blockedHostnames, strings.ToLower(host)) {
		return 0, fmt.Errorf("blocked host: %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if lo.ContainsBy(blockedPrefixes, func(p netip.Prefix) bool { return p.Contains(addr) }) {
			return 0, fmt.Errorf("blocked IP address: %s", addr)
		}
	}

	return endpointPort(parsed)
}

func endpointPort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, fmt.Errorf("invalid port: %s", p)
		}
		return port, nil
	}
	if strings.EqualFold(u.Scheme, "http") {
		return 80, nil
	}
	return 443, nil
}

// NewEndpointClient はエンドポイントを検証し、そのポートにだけ接続できる
// SSRF防止機能付きのHTTPクライアントを生成する。
// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
// DNS解決後にsafeurlが拒否する。
func NewEndpointClient(endpoint string, timeout time.Duration) (*http.Client, error) {
	port, err := ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(port).
		Build()

	return safeurl.Client(config).Client, nil
}
