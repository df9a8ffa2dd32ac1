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

package filter

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/kacheio/streamcache/pkg/streamentry"
)

// downstreamResult is what a responseDownstream's wait() eventually
// delivers: either a usable response, or the error that stood in its way.
type downstreamResult struct {
	resp *http.Response
	err  error
}

// responseDownstream implements streamentry.Downstream by reconstructing an
// *http.Response as an EntryReader walks a StreamingEntry (or, via fail, by
// reporting that no entry will ever arrive). Exactly one of the two
// terminal events (a header emission or a fail call) ever happens; result
// is buffered so whichever happens first never blocks.
type responseDownstream struct {
	once   sync.Once
	result chan downstreamResult

	pw   *io.PipeWriter
	resp *http.Response
}

func newResponseDownstream() *responseDownstream {
	return &responseDownstream{result: make(chan downstreamResult, 1)}
}

// wait blocks until either EmitHeaders or fail has run, and returns the
// response (with a still-streaming Body) or the error.
func (d *responseDownstream) wait() (*http.Response, error) {
	r := <-d.result
	return r.resp, r.err
}

// fail unblocks wait with err instead of a response. Used when the leader's
// upstream fetch never even produced headers, or a re-delegated group's
// leadership was abandoned.
func (d *responseDownstream) fail(err error) {
	d.once.Do(func() {
		d.result <- downstreamResult{err: err}
	})
}

// EmitHeaders builds an *http.Response around the decoded header map,
// recovering the status code from the pseudo-header OnUpstreamHeaders
// embedded in it, and wires Body to a pipe that EmitData/EmitTrailers feed.
func (d *responseDownstream) EmitHeaders(h http.Header, endStream bool) {
	status := http.StatusOK
	if v := h.Get(streamentry.StatusPseudoHeader); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			status = parsed
		}
	}
	h.Del(streamentry.StatusPseudoHeader)

	pr, pw := io.Pipe()
	d.pw = pw

	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Body:       pr,
	}
	d.resp = resp

	if endStream {
		_ = pw.Close()
	}

	d.once.Do(func() {
		d.result <- downstreamResult{resp: resp}
	})
}

// EmitData streams chunk into the response body pipe.
func (d *responseDownstream) EmitData(p []byte, endStream bool) {
	if len(p) > 0 {
		_, _ = d.pw.Write(p)
	}
	if endStream {
		_ = d.pw.Close()
	}
}

// EmitTrailers attaches t to the response before closing the body pipe, so
// a caller that only inspects resp.Trailer after observing io.EOF (the
// standard net/http convention) always sees the final values.
func (d *responseDownstream) EmitTrailers(t http.Header) {
	if d.resp != nil {
		d.resp.Trailer = t
	}
	_ = d.pw.Close()
}

// teeReadCloser wraps a leader's real upstream response body, framing every
// byte the caller reads into an EntryWriter before handing it back, and
// invoking onDone exactly once the body (and any trailers) are fully
// consumed or the caller closes early.
type teeReadCloser struct {
	rc     io.ReadCloser
	writer *streamentry.EntryWriter
	resp   *http.Response
	onDone func()

	mu   sync.Mutex
	done bool
}

func (t *teeReadCloser) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		if werr := t.writer.OnUpstreamData(p[:n], false); werr != nil {
			return n, werr
		}
	}
	if err == io.EOF {
		t.finish()
	}
	return n, err
}

func (t *teeReadCloser) Close() error {
	t.finish()
	return t.rc.Close()
}

func (t *teeReadCloser) finish() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	if len(t.resp.Trailer) > 0 {
		_ = t.writer.OnUpstreamTrailers(t.resp.Trailer)
	}
	// Closes out the body section if the trailers above did not (Read never
	// passes endStream, so this ends the body of every trailer-less
	// response) and finalizes an empty trailers section.
	_ = t.writer.OnUpstreamComplete()

	if t.onDone != nil {
		t.onDone()
	}
}
