package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	prefixes, err := Parse([]string{" 192.168.1.1 ", "10.0.0.5/8", "", "::1", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, prefixes, 4)
	assert.Equal(t, "192.168.1.1/32", prefixes[0].String())
	assert.Equal(t, "10.0.0.0/8", prefixes[1].String())
	assert.Equal(t, "::1/128", prefixes[2].String())

	_, err = Parse([]string{"192.168.1.1", "invalid"})
	assert.Error(t, err)

	_, err = Parse([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestFilterAllows(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		ip      string
		want    bool
	}{
		{"empty filter allows all", nil, "1.2.3.4", true},
		{"exact match", []string{"192.168.1.1"}, "192.168.1.1", true},
		{"exact mismatch", []string{"192.168.1.1"}, "192.168.1.2", false},
		{"cidr contains", []string{"192.168.0.0/16"}, "192.168.1.100", true},
		{"cidr excludes", []string{"192.168.0.0/16"}, "10.0.0.1", false},
		{"mapped v4", []string{"10.0.0.0/8"}, "::ffff:10.1.2.3", true},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "2001:db8::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.entries, false, newTestLogger())
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allows(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	direct, err := New(nil, false, newTestLogger())
	require.NoError(t, err)
	addr, ok := direct.ClientAddr(req)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", addr.String())

	proxied, err := New(nil, true, newTestLogger())
	require.NoError(t, err)
	addr, ok = proxied.ClientAddr(req)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.50", addr.String())

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.25")
	addr, ok = proxied.ClientAddr(req)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.25", addr.String())
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		entries []string
		remote  string
		want    int
	}{
		{"disabled", nil, "1.2.3.4:1000", http.StatusOK},
		{"allowed", []string{"192.168.0.0/16"}, "192.168.1.100:1000", http.StatusOK},
		{"denied", []string{"192.168.0.0/16"}, "10.0.0.1:1000", http.StatusForbidden},
		{"garbage remote", []string{"192.168.0.0/16"}, "nowhere", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.entries, false, newTestLogger())
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			rr := httptest.NewRecorder()
			f.Middleware(ok).ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestNilFilterAllowsAll(t *testing.T) {
	var f *Filter
	assert.False(t, f.Enabled())
	assert.True(t, f.Allows(netip.MustParseAddr("8.8.8.8")))
}
