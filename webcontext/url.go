// Package webcontext enriches issue text with the readable content of pages
// it links to, so the planner sees referenced docs instead of bare URLs.
// Fetching is SSRF-guarded: HTTPS only, no private or local targets, resolved
// addresses re-checked at dial time.
package webcontext

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	cgnatNet  *net.IPNet // 100.64.0.0/10 carrier-grade NAT
	v6Unique  *net.IPNet // fc00::/7 unique local
	v6Link    *net.IPNet // fe80::/10 link-local
	httpsLink = regexp.MustCompile(`https://[^\s<>"')\]]+`)
)

func init() {
	for _, spec := range []struct {
		cidr string
		dst  **net.IPNet
	}{
		{"100.64.0.0/10", &cgnatNet},
		{"fc00::/7", &v6Unique},
		{"fe80::/10", &v6Link},
	} {
		_, n, err := net.ParseCIDR(spec.cidr)
		if err != nil {
			panic("invalid reserved CIDR " + spec.cidr + ": " + err.Error())
		}
		*spec.dst = n
	}
}

// ValidateURL rejects URLs the enricher must never fetch: non-HTTPS schemes,
// localhost variants, local domains, and private IP literals.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(parsed.Hostname())
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("local domain URLs are not allowed")
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("private IP addresses are not allowed")
	}
	return nil
}

// isPrivateIP reports whether the IP sits in a private or reserved range,
// including IPv4-mapped IPv6 forms.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return cgnatNet.Contains(ip) || v6Unique.Contains(ip) || v6Link.Contains(ip)
}

// ExtractLinks returns up to max distinct fetchable HTTPS links from text, in
// order of appearance. Links that fail validation are skipped.
func ExtractLinks(text string, max int) []string {
	if max <= 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, raw := range httpsLink.FindAllString(text, -1) {
		link := strings.TrimRight(raw, ".,;:!?")
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		if ValidateURL(link) != nil {
			continue
		}
		out = append(out, link)
		if len(out) == max {
			break
		}
	}
	return out
}
