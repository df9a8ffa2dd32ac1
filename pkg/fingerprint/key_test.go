package fingerprint

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustRequest(t *testing.T, rawurl, method, ua string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	assert.NoError(t, err)
	req := &http.Request{Method: method, URL: u, Host: u.Host, Header: http.Header{}}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	return req
}

func TestNewIsTotalAndPure(t *testing.T) {
	req := mustRequest(t, "https://a.example/path", "GET", "")
	k := New(req)
	assert.Equal(t, "a.example", k.Host)
	assert.Equal(t, "/path", k.Path)
	assert.Equal(t, "GET", k.Method)
	assert.Equal(t, "https", k.Scheme)
	assert.Equal(t, "", k.UserAgent)

	k2 := New(req)
	assert.Equal(t, k, k2)
	assert.Equal(t, k.Hash(), k2.Hash())
}

func TestDifferentRequestsYieldDifferentKeys(t *testing.T) {
	a := New(mustRequest(t, "https://a.example/path", "GET", "curl"))
	b := New(mustRequest(t, "https://a.example/path", "GET", "wget"))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestIdenticalRequestsYieldSameKey(t *testing.T) {
	a := New(mustRequest(t, "https://a.example/path?x=1", "GET", "t"))
	b := New(mustRequest(t, "https://a.example/path?x=1", "GET", "t"))
	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
}
