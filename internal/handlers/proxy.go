package handlers

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/truststaff/apiserver/internal/services"
	"go.uber.org/zap"
)

// ParseTrustedProxies parses proxy addresses and CIDR ranges. A bare address
// is a single-host range.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ClientAddress rewrites RemoteAddr to the forwarded client address, but only
// for connections whose socket peer is a trusted proxy. X-Forwarded-For is read
// right to left and the first address outside the trusted ranges wins;
// X-Real-IP is used when the chain holds no such address. Requests from any
// other peer keep their socket address, whatever headers they carry.
func ClientAddress(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseAddr(clientIP(r))
			if !ok || !isTrusted(trusted, peer) {
				next.ServeHTTP(w, r)
				return
			}
			if client, ok := forwardedClient(r.Header, trusted); ok {
				r.RemoteAddr = net.JoinHostPort(client.String(), "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, trusted []netip.Prefix) (netip.Addr, bool) {
	var hops []string
	for _, value := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(value, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseAddr(hops[i])
		if !ok {
			// A malformed hop means nothing to its left can be trusted.
			return netip.Addr{}, false
		}
		if !isTrusted(trusted, addr) {
			return addr, true
		}
	}
	if addr, ok := parseAddr(h.Get("X-Real-IP")); ok {
		return addr, true
	}
	return netip.Addr{}, false
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(trusted []netip.Prefix, addr netip.Addr) bool {
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ChainConfig configures the middleware shared by every route.
type ChainConfig struct {
	Logger         *zap.Logger
	Metrics        HTTPMetrics
	Limiter        *services.RateLimiter
	TrustedProxies []netip.Prefix
	// Timeout is skipped when zero.
	Timeout time.Duration
}

// Chain returns the middleware every route runs behind, outermost first.
// The client address is settled before anything logs or counts it.
func Chain(cfg ChainConfig) []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		middleware.RequestID,
		ClientAddress(cfg.TrustedProxies),
		RequestLogger(cfg.Logger, cfg.Metrics),
		middleware.Recoverer,
		SecurityHeaders,
		RateLimit(cfg.Limiter, cfg.Logger),
	}
	if cfg.Timeout > 0 {
		chain = append(chain, middleware.Timeout(cfg.Timeout))
	}
	return chain
}
