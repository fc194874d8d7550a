package security

import (
	"net"
	"net/http"
	"strings"
)

func ParseCIDRAllowlist(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ClientIP returns the peer address of r. X-Forwarded-For is honoured only
// when the direct peer is inside trusted.
func ClientIP(r *http.Request, trusted []*net.IPNet) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && contains(trusted, ip) {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if fip := net.ParseIP(first); fip != nil {
			return fip
		}
	}
	return ip
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func IPAllowlist(allow, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allow) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, trustedProxies)
			if ip == nil || !contains(allow, ip) {
				WriteError(w, r, http.StatusForbidden, "forbidden", "client address not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
