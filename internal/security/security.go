// Package security 는 dynamicProxy 실행 전에 수행하는 SSRF/경로 검증 헬퍼를 제공합니다.
// Package security holds the SSRF and path checks that run before any upstream call.
package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"syscall"
)

// blockedHosts 는 IP 로 파싱되지 않는 호스트 이름 중 항상 차단하는 목록입니다.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

// blockedPrefixes 는 사설/루프백/링크로컬 등 내부망 대역입니다.
// 169.254.0.0/16 은 AWS/GCP 메타데이터 주소(169.254.169.254)를 포함합니다.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// ErrBlockedAddress 는 dial 시점에 내부망 주소로 연결하려 한 경우 반환됩니다.
var ErrBlockedAddress = errors.New("connection to internal address blocked")

// IsBlockedAddr 는 주어진 IP 가 내부망 대역에 속하는지 여부를 반환합니다.
// IPv4-mapped IPv6 주소(::ffff:10.0.0.1 등)는 IPv4 로 풀어서 검사합니다.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsTargetURLSafe 는 프록시 대상 URL 이 SSRF 관점에서 안전한지 검사합니다.
//   - http / https 스킴만 허용
//   - localhost, *.localhost, 클라우드 메타데이터 호스트 차단
//   - 내부망 IP 리터럴 차단
//
// 비표준 포트는 허용합니다.
func IsTargetURLSafe(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	if _, ok := blockedHosts[host]; ok {
		return false
	}
	if strings.HasSuffix(host, ".localhost") {
		return false
	}

	// IPv6 zone(fe80::1%eth0) 은 netip 이 그대로 파싱합니다.
	if addr, err := netip.ParseAddr(host); err == nil {
		return !IsBlockedAddr(addr)
	}
	return true
}

// DialControl 은 net.Dialer.Control 에 연결해 사용하는 가드입니다.
// DNS 해석 이후 실제 연결 주소가 내부망이면 연결을 거부합니다. (DNS rebinding 대응)
func DialControl(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable address %q", ErrBlockedAddress, address)
	}
	if IsBlockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	return nil
}

// SanitizePath 는 경로 탐색을 막기 위해 ".." 를 모두 제거하고 연속된 "/" 를 하나로 합칩니다.
// 한 번 적용한 결과에 다시 적용해도 같은 값이 나옵니다.
func SanitizePath(p string) string {
	p = strings.ReplaceAll(p, "..", "")

	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsPathAllowed 는 경로가 화이트리스트 패턴 중 하나와 전체 일치하는지 검사합니다.
// 패턴의 "*" 는 "/" 를 포함한 임의의 문자열과 일치하고, 나머지 문자는 그대로 비교합니다.
// 화이트리스트가 비어 있으면 모든 경로를 허용합니다.
func IsPathAllowed(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if globRegexp(pattern).MatchString(p) {
			return true
		}
	}
	return false
}

// globCache 는 패턴 문자열별로 컴파일된 정규식을 보관합니다.
var globCache sync.Map // map[string]*regexp.Regexp

func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, _ := globCache.LoadOrStore(pattern, regexp.MustCompile("^"+strings.Join(parts, ".*")+"$"))
	return re.(*regexp.Regexp)
}

// DynamicProxyConfig 는 ValidateDynamicProxyConfig 가 검사하는 필드만 담습니다.
type DynamicProxyConfig struct {
	BaseURL      string
	AllowedPaths []string
}

// ValidateDynamicProxyConfig 는 저장 전에 dynamicProxy 설정을 검증합니다.
// baseUrl 이 비어 있으면 작성 중인 설정으로 보고 통과시킵니다.
func ValidateDynamicProxyConfig(cfg DynamicProxyConfig) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil
	}
	if !IsTargetURLSafe(cfg.BaseURL) {
		return errors.New("target address is not allowed (internal network addresses are blocked)")
	}
	for _, pattern := range cfg.AllowedPaths {
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("allowed path pattern %q must start with /", pattern)
		}
	}
	return nil
}
