package cachepolicy

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return req
}

func TestIsCacheableRequest(t *testing.T) {
	cases := []struct {
		name     string
		build    func(t *testing.T) *http.Request
		expected bool
	}{
		{
			"plain GET",
			func(t *testing.T) *http.Request { return mustRequest(t, http.MethodGet, "http://example.com/a") },
			true,
		},
		{
			"POST bypasses",
			func(t *testing.T) *http.Request { return mustRequest(t, http.MethodPost, "http://example.com/a") },
			false,
		},
		{
			"conditional header bypasses",
			func(t *testing.T) *http.Request {
				req := mustRequest(t, http.MethodGet, "http://example.com/a")
				req.Header.Set("If-None-Match", `"abc"`)
				return req
			},
			false,
		},
		{
			"authorization header bypasses",
			func(t *testing.T) *http.Request {
				req := mustRequest(t, http.MethodGet, "http://example.com/a")
				req.Header.Set("Authorization", "Bearer token")
				return req
			},
			false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, IsCacheableRequest(c.build(t)))
		})
	}
}

func TestIsCacheableResponse(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		cc       string
		expected bool
	}{
		{"200 with no cache-control", http.StatusOK, "", true},
		{"200 with no-store", http.StatusOK, "no-store", false},
		{"200 with private", http.StatusOK, "private", false},
		{"200 with max-age", http.StatusOK, "max-age=60", true},
		{"teapot is not cacheable", http.StatusTeapot, "", false},
		{"404 is not cacheable", http.StatusNotFound, "", false},
		{"204 with no cache-control", http.StatusNoContent, "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: c.status, Header: make(http.Header)}
			if c.cc != "" {
				resp.Header.Set("Cache-Control", c.cc)
			}
			assert.Equal(t, c.expected, IsCacheableResponse(resp))
		})
	}
}

func TestParseResponseCacheControl(t *testing.T) {
	cases := []struct {
		name     string
		header   string
		expected ResponseCacheControl
	}{
		{"empty", "", ResponseCacheControl{MaxAge: -1}},
		{"no-store", "no-store", ResponseCacheControl{NoStore: true, MaxAge: -1}},
		{"private treated as no-store", "private", ResponseCacheControl{NoStore: true, MaxAge: -1}},
		{"no-cache", "no-cache", ResponseCacheControl{MustValidate: true, MaxAge: -1}},
		{"s-maxage wins over max-age", "max-age=10, s-maxage=20", ResponseCacheControl{MaxAge: 20 * time.Second}},
		{"max-age alone", "max-age=30", ResponseCacheControl{MaxAge: 30 * time.Second}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, ParseResponseCacheControl(c.header))
		})
	}
}
