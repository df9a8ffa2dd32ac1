// MIT License
//
// Copyright (c) 2023 kache.io
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package cachepolicy decides, ahead of the streaming/coalescing machinery,
// whether a request is even a candidate for the cache and whether an
// upstream response is allowed to be stored. It has no notion of freshness
// lifetime or expiry: the directory is a pure LRU with no age-based
// eviction, so this package only ever answers yes/no, never "for how long".
package cachepolicy

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kacheio/streamcache/pkg/streamentry"
)

const (
	headerCacheControl = "Cache-Control"

	headerAuthorization = "Authorization"

	headerIfRange           = "If-Range"
	headerIfMatch           = "If-Match"
	headerIfNoneMatch       = "If-None-Match"
	headerIfModifiedSince   = "If-Modified-Since"
	headerIfUnmodifiedSince = "If-Unmodified-Since"
)

// conditionalHeaders bypass the cache for now rather than attempt
// validation-aware serving.
// https://httpwg.org/specs/rfc7232.html#preconditions
var conditionalHeaders = []string{
	headerIfRange,
	headerIfMatch,
	headerIfNoneMatch,
	headerIfModifiedSince,
	headerIfUnmodifiedSince,
}

// IsCacheableRequest reports whether req is even a candidate for cache
// lookup/insertion. Conditional and authenticated requests bypass the cache
// entirely, the same way a non-GET request does.
// https://httpwg.org/specs/rfc7234.html#caching.authenticated.responses
func IsCacheableRequest(req *http.Request) bool {
	for _, h := range conditionalHeaders {
		if _, ok := req.Header[h]; ok {
			return false
		}
	}
	if _, ok := req.Header[headerAuthorization]; ok {
		return false
	}
	return req.URL.Path != "" && req.Host != "" && req.Method == http.MethodGet
}

// IsCacheableResponse reports whether resp may be inserted into the
// directory. The status check here mirrors the writer's own [200,300) gate
// (streamentry.IsCacheableStatus) rather than the broader RFC 7231 §6.1
// cacheable-by-default set: the writer never frames a non-2xx response as
// cacheable in the first place (spec §4.3's status gate), so any wider set
// here would be unreachable dead weight — both gates must agree for an
// insert to ever happen.
// https://tools.ietf.org/html/rfc7231#section-6.1
func IsCacheableResponse(resp *http.Response) bool {
	cc := ParseResponseCacheControl(resp.Header.Get(headerCacheControl))
	if cc.NoStore {
		return false
	}
	if !streamentry.IsCacheableStatus(resp.StatusCode) {
		return false
	}
	return true
}

// ResponseCacheControl holds the directives of a parsed response
// Cache-Control header relevant to the storage decision.
// https://httpwg.org/specs/rfc7234.html#cache-response-directive
type ResponseCacheControl struct {
	// MustValidate is true if the 'no-cache' directive is present.
	MustValidate bool
	// NoStore is true if 'no-store' or 'private' is present. 'private'
	// arguments are ignored for now, making it equivalent to 'no-store'.
	NoStore bool
	// MaxAge is 's-maxage' if present, else 'max-age' if present, else -1.
	// Unused by the storage decision today; kept for callers that want to
	// log or export it without re-parsing the header.
	MaxAge time.Duration
}

// ParseResponseCacheControl parses header into a ResponseCacheControl.
func ParseResponseCacheControl(header string) ResponseCacheControl {
	cc := ResponseCacheControl{MaxAge: -1}
	for _, directive := range strings.Split(header, ",") {
		dir, arg := splitDirective(directive)
		switch dir {
		case "no-cache":
			cc.MustValidate = true
		case "no-store", "private":
			cc.NoStore = true
		case "s-maxage":
			cc.MaxAge = parseDuration(arg)
		case "max-age":
			if cc.MaxAge < 0 {
				cc.MaxAge = parseDuration(arg)
			}
		}
	}
	return cc
}

// splitDirective splits a single cache-directive into its token and
// optional argument.
// Cache-Control   = 1#cache-directive
// cache-directive = token [ "=" ( token / quoted-string ) ]
func splitDirective(s string) (dir string, arg string) {
	if strings.ContainsRune(s, '=') {
		split := strings.SplitN(strings.TrimSpace(s), "=", 2)
		return split[0], split[1]
	}
	return strings.TrimSpace(s), ""
}

// parseDuration parses a delta-seconds directive argument, returning a
// negative duration for anything invalid.
// https://httpwg.org/specs/rfc7234.html#delta-seconds
func parseDuration(s string) time.Duration {
	s = strings.Trim(s, `"'`)
	d, err := time.ParseDuration(s + "s")
	if err != nil || d < 0 || d > math.MaxInt64/time.Second {
		return -1
	}
	return d
}
