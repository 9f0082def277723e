package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
)

// ParseRanges parses a comma-separated CIDR list into prefixes. Malformed
// entries are skipped with a warning so one bad range cannot take the whole
// allowlist down. A bare address is accepted as a single-host network.
func ParseRanges(ranges string, logger zerolog.Logger) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, r := range strings.Split(ranges, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			addr, addrErr := netip.ParseAddr(r)
			if addrErr != nil {
				logger.Warn().Str("range", r).Err(err).Msg("Skipping invalid network range")
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}

// ClientIP returns the address the allowlist is evaluated against: the first
// entry of X-Forwarded-For when present, else the connection's remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// IPAllowlist rejects requests whose client IP falls outside every configured
// range. An unparseable client IP is rejected as well (fail-closed), as is
// every request when the configured list yielded no usable ranges.
func IPAllowlist(prefixes []netip.Prefix, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)
			addr, err := netip.ParseAddr(clientIP)
			if err != nil {
				logger.Error().Str("client_ip", clientIP).Err(err).Msg("Invalid client IP, rejecting")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			for _, prefix := range prefixes {
				if prefix.Contains(addr.Unmap()) {
					logger.Info().Str("client_ip", clientIP).Str("range", prefix.String()).Msg("Client IP in whitelist")
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.Error().Str("client_ip", clientIP).Msg("Client IP not in whitelist")
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
