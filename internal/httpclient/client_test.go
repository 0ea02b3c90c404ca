package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/raidpulse/internal/util"
)

func TestCheckHost(t *testing.T) {
	allowed := []string{"www.warcraftlogs.com"}

	cases := []struct {
		raw     string
		wantErr bool
	}{
		{"https://www.warcraftlogs.com/api/v2/client", false},
		{"https://WWW.WARCRAFTLOGS.COM/oauth/token", false},
		{"https://evil.example.com/api", true},
		{"ftp://www.warcraftlogs.com/file", true},
		{"https:///nohost", true},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		require.NoError(t, err)
		err = CheckHost(u, allowed)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
		} else {
			assert.NoError(t, err, tc.raw)
		}
	}

	u, _ := url.Parse("http://anything.test")
	assert.NoError(t, CheckHost(u, nil), "empty allow list permits any host")
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("10.1.2.3")))
	assert.True(t, IsPrivateIP(net.ParseIP("127.0.0.1")))
	assert.True(t, IsPrivateIP(net.ParseIP("192.168.0.10")))
	assert.True(t, IsPrivateIP(net.ParseIP("::1")))
	assert.False(t, IsPrivateIP(net.ParseIP("8.8.8.8")))
}

func TestUserAgentIsSet(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := New(5*time.Second, Options{UserAgent: "raidpulse-test", BlockPrivateIP: util.Ptr(false)})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "raidpulse-test", got)
}

func TestPrivateAddressBlockedByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := New(5*time.Second, Options{})
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private IP address blocked")
}

func TestRedirectOutsideAllowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.invalid/", http.StatusFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	client := New(5*time.Second, Options{
		AllowedHosts:   []string{u.Hostname()},
		BlockPrivateIP: util.Ptr(false),
	})
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")
}
