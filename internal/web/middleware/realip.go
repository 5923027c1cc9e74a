package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ParseTrustedProxies parses CIDRs and bare IPs. Invalid entries are
// returned as errors and skipped.
func ParseTrustedProxies(cidrs []string) ([]*net.IPNet, []error) {
	var (
		nets []*net.IPNet
		errs []error
	)
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		if _, network, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, network)
			continue
		}

		// a bare address is a single-host network
		ip := net.ParseIP(cidr)
		if ip == nil {
			errs = append(errs, fmt.Errorf("invalid trusted proxy %q", cidr))
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			ip = ip.To4()
			mask = net.CIDRMask(32, 32)
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
	}
	return nets, errs
}

// TrustedRealIP rewrites RemoteAddr to the client address taken from
// X-Real-IP or X-Forwarded-For, but only when the connection comes from a
// trusted proxy. Otherwise the headers are ignored, so clients cannot spoof
// their address to dodge rate limits or falsify run history.
//
// X-Forwarded-For is walked from the right, skipping trusted hops; the first
// untrusted address is the client.
func TrustedRealIP(trustedCIDRs []string) func(http.Handler) http.Handler {
	trustedNets, errs := ParseTrustedProxies(trustedCIDRs)
	for _, err := range errs {
		slog.Warn("realip: skipping trusted proxy entry", "error", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isTrusted(extractIP(r.RemoteAddr), trustedNets) {
				if ip := forwardedClient(r.Header, trustedNets); ip != nil {
					r.RemoteAddr = ip.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, trusted []*net.IPNet) net.IP {
	if rip := h.Get("X-Real-IP"); rip != "" {
		if ip := net.ParseIP(strings.TrimSpace(rip)); ip != nil {
			return ip
		}
	}

	xff := h.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return nil
	}
	hops := strings.Split(strings.Join(xff, ","), ",")

	var last net.IP
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return nil
		}
		last = ip
		if !isTrusted(ip, trusted) {
			return ip
		}
	}
	return last
}

// extractIP parses an IP address from a host:port string or plain IP.
func extractIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

// isTrusted checks if an IP is within any of the trusted networks.
func isTrusted(ip net.IP, trusted []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, network := range trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
