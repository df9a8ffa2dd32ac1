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

// Package fingerprint derives the deterministic cache key (K) a request maps
// to: a fixed, ordered subset of the request's identifying fields.
package fingerprint

import (
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is the fingerprint a request maps to. Two requests with equal Key
// values are treated as the same cacheable resource.
type Key struct {
	Host      string
	Path      string
	Method    string
	Scheme    string
	UserAgent string
}

// New derives a Key from req. It is total: any missing field contributes an
// empty string rather than an error, and it is pure — the same request
// always maps to the same Key.
func New(req *http.Request) Key {
	scheme := req.URL.Scheme
	if scheme == "" {
		if req.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return Key{
		Host:      req.Host,
		Path:      req.URL.Path,
		Method:    req.Method,
		Scheme:    scheme,
		UserAgent: req.Header.Get("User-Agent"),
	}
}

// String renders the key as the canonical string its hash is taken over.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Method)
	b.WriteByte(' ')
	b.WriteString(k.Scheme)
	b.WriteString("://")
	b.WriteString(k.Host)
	b.WriteString(k.Path)
	b.WriteByte(' ')
	b.WriteString(k.UserAgent)
	return b.String()
}

// Hash returns a stable 64-bit digest of the key, suitable for use as a map
// key or coalescing group identifier.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.String())
}
