package httpx

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver derives the caller address, honoring forwarding headers only
// when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	TrustedProxies []*net.IPNet
}

// ClientIP returns the caller IP, or "" when none can be determined.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && c.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	return remoteIP
}

func (c ClientIPResolver) isTrustedProxy(ipStr string) bool {
	if len(c.TrustedProxies) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range c.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		if net.ParseIP(host) != nil {
			return host
		}
		return ""
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// ParseCIDRs parses CIDRs and bare IPs; invalid entries are skipped.
func ParseCIDRs(entries []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(entries))
	for _, part := range entries {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
