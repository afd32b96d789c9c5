package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForwardingHeadersIgnoredWithoutTrustedProxies(t *testing.T) {
	srv := newTestServer(t, withRateLimit(3))

	allowed := 0
	for i := 0; i < 50; i++ {
		addr := fmt.Sprintf("198.51.100.%d", i+1)
		rec := srv.do(request{
			method: http.MethodGet,
			path:   "/healthz",
			headers: map[string]string{
				"X-Forwarded-For": addr,
				"X-Real-IP":       addr,
				"True-Client-IP":  addr,
			},
		})
		if rec.Code == http.StatusOK {
			allowed++
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
	require.Equal(t, 3, allowed)
}

func TestLoginThrottleIgnoresSpoofedAddresses(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 10; i++ {
		rec := srv.do(request{
			method:  http.MethodPost,
			path:    "/api/auth/login",
			body:    LoginRequest{Email: fmt.Sprintf("nobody%d@example.com", i), Password: "wrong"},
			headers: map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)},
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := srv.do(request{
		method:  http.MethodPost,
		path:    "/api/auth/login",
		body:    LoginRequest{Email: "fresh@example.com", Password: "wrong"},
		headers: map[string]string{"X-Forwarded-For": "198.51.100.200"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTrustedProxyForwardsClientAddress(t *testing.T) {
	srv := newTestServer(t, withRateLimit(1), withTrustedProxies(t, "10.0.0.0/8"))
	viaProxy := func(forwardedFor string) int {
		return srv.do(request{
			method:     http.MethodGet,
			path:       "/healthz",
			remoteAddr: "10.0.0.5:40000",
			headers:    map[string]string{"X-Forwarded-For": forwardedFor},
		}).Code
	}

	require.Equal(t, http.StatusOK, viaProxy("198.51.100.1"))
	require.Equal(t, http.StatusOK, viaProxy("198.51.100.2"))
	require.Equal(t, http.StatusTooManyRequests, viaProxy("198.51.100.1"))

	// Peers outside the trusted range are keyed on their socket address.
	direct := func(forwardedFor string) int {
		return srv.do(request{
			method:  http.MethodGet,
			path:    "/healthz",
			headers: map[string]string{"X-Forwarded-For": forwardedFor},
		}).Code
	}
	require.Equal(t, http.StatusOK, direct("198.51.100.3"))
	require.Equal(t, http.StatusTooManyRequests, direct("198.51.100.4"))
}

func TestClientAddressPicksRightmostUntrustedHop(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	var seen string
	handler := ClientAddress(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientIP(r)
	}))

	cases := []struct {
		name    string
		peer    string
		headers map[string]string
		want    string
	}{
		{"client prepends a fake hop", "10.0.0.5:1", map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.9"}, "198.51.100.9"},
		{"chained trusted proxies", "10.0.0.5:1", map[string]string{"X-Forwarded-For": "198.51.100.9, 10.1.2.3, 192.0.2.1"}, "198.51.100.9"},
		{"real ip fallback", "192.0.2.1:1", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"malformed hop keeps peer", "10.0.0.5:1", map[string]string{"X-Forwarded-For": "198.51.100.9, junk"}, "10.0.0.5"},
		{"untrusted peer keeps peer", "203.0.113.7:1", map[string]string{"X-Forwarded-For": "198.51.100.9"}, "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.peer
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			handler.ServeHTTP(httptest.NewRecorder(), r)
			require.Equal(t, tc.want, seen)
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{" 192.0.2.1 ", "", "10.1.2.3/8", "::1"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	require.Equal(t, "192.0.2.1/32", prefixes[0].String())
	require.Equal(t, "10.0.0.0/8", prefixes[1].String())
	require.Equal(t, "::1/128", prefixes[2].String())

	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	require.Error(t, err)
}
