package filter

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kacheio/streamcache/pkg/coalesce"
	"github.com/kacheio/streamcache/pkg/directory"
	"github.com/kacheio/streamcache/pkg/fingerprint"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTransport wraps an http.RoundTripper and counts how many times it
// was actually invoked, so tests can assert on coalescing (one upstream
// call shared by several concurrent requests).
type countingTransport struct {
	calls atomic.Int64
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(req)
}

func newGlue(next http.RoundTripper) (*Glue, *countingTransport) {
	ct := &countingTransport{next: next}
	dir := directory.New(16, nil)
	coord := coalesce.New(time.Second, nil)
	return New(ct, dir, coord, 4, nil, zerolog.Nop(), nil), ct
}

func mustRequest(url string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		panic(err)
	}
	return req
}

func drainBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestColdMissFetchesFromUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From", "upstream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	g, ct := newGlue(http.DefaultTransport)

	resp, err := g.RoundTrip(mustRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream", resp.Header.Get("X-From"))
	assert.Equal(t, "hello world", drainBody(t, resp))
	assert.EqualValues(t, 1, ct.calls.Load())
}

func TestWarmHitServesWithoutContactingUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cached body"))
	}))
	defer srv.Close()

	g, ct := newGlue(http.DefaultTransport)

	first, err := g.RoundTrip(mustRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "cached body", drainBody(t, first))

	k := fingerprint.New(mustRequest(srv.URL))
	require.Eventually(t, func() bool {
		_, ok := g.Directory.Get(k)
		return ok
	}, time.Second, time.Millisecond)

	second, err := g.RoundTrip(mustRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "cached body", drainBody(t, second))
	assert.EqualValues(t, 1, ct.calls.Load(), "second request must not re-contact upstream")
}

func TestConcurrentRequestsCoalesceOntoOneUpstreamCall(t *testing.T) {
	var upstreamInFlight atomic.Int64
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamInFlight.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("shared"))
	}))
	defer srv.Close()

	g, ct := newGlue(http.DefaultTransport)

	const n = 6
	results := make([]*http.Response, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.RoundTrip(mustRequest(srv.URL))
		}(i)
	}

	require.Eventually(t, func() bool { return upstreamInFlight.Load() >= 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", drainBody(t, results[i]))
	}
	assert.EqualValues(t, 1, ct.calls.Load(), "all concurrent requests must share a single upstream call")
}

func TestStreamingOverlapDeliversBytesBeforeUpstreamFinishes(t *testing.T) {
	chunk1Sent := make(chan struct{})
	finishUpstream := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, _ := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("first-chunk"))
		if fl != nil {
			fl.Flush()
		}
		close(chunk1Sent)
		<-finishUpstream
		_, _ = w.Write([]byte("second-chunk"))
	}))
	defer srv.Close()

	g, _ := newGlue(http.DefaultTransport)

	leaderDone := make(chan struct{})
	firstRead := make(chan string, 1)
	var leaderBody string
	go func() {
		defer close(leaderDone)
		resp, err := g.RoundTrip(mustRequest(srv.URL))
		if err != nil {
			firstRead <- ""
			return
		}
		defer resp.Body.Close()
		first := make([]byte, len("first-chunk"))
		_, _ = io.ReadFull(resp.Body, first)
		firstRead <- string(first)
		rest, _ := io.ReadAll(resp.Body)
		leaderBody = string(first) + string(rest)
	}()

	<-chunk1Sent
	// The first chunk must reach the caller while upstream is still held open.
	assert.Equal(t, "first-chunk", <-firstRead)
	close(finishUpstream)
	<-leaderDone

	assert.Equal(t, "first-chunksecond-chunk", leaderBody)
}

func TestNonSuccessStatusIsServedButNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	g, ct := newGlue(http.DefaultTransport)

	resp, err := g.RoundTrip(mustRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "boom", drainBody(t, resp))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, g.Directory.Len(), "5xx responses must never populate the directory")

	_, err = g.RoundTrip(mustRequest(srv.URL))
	require.NoError(t, err)
	assert.EqualValues(t, 2, ct.calls.Load(), "a non-cacheable response must be re-fetched every time")
}

// TestCacheableEmptyBodyResponseReplays covers a 204 No Content response:
// headers are cacheable but there is no body at all, so end-of-stream is
// only ever signalled by teeReadCloser's OnUpstreamComplete safety net, not
// by a body chunk. Both the cold miss and the warm-hit replay must actually
// complete instead of hanging on an unfinalized section.
func TestCacheableEmptyBodyResponseReplays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g, ct := newGlue(http.DefaultTransport)

	coldDone := make(chan struct{})
	var coldResp *http.Response
	var coldErr error
	go func() {
		coldResp, coldErr = g.RoundTrip(mustRequest(srv.URL))
		close(coldDone)
	}()
	select {
	case <-coldDone:
	case <-time.After(time.Second):
		t.Fatal("cold miss for an empty-body response did not complete")
	}
	require.NoError(t, coldErr)
	assert.Equal(t, http.StatusNoContent, coldResp.StatusCode)
	assert.Empty(t, drainBody(t, coldResp))

	k := fingerprint.New(mustRequest(srv.URL))
	require.Eventually(t, func() bool {
		_, ok := g.Directory.Get(k)
		return ok
	}, time.Second, time.Millisecond)

	warmDone := make(chan struct{})
	var warmResp *http.Response
	var warmErr error
	go func() {
		warmResp, warmErr = g.RoundTrip(mustRequest(srv.URL))
		close(warmDone)
	}()
	select {
	case <-warmDone:
	case <-time.After(time.Second):
		t.Fatal("warm hit replay of an empty-body response did not complete")
	}
	require.NoError(t, warmErr)
	assert.Equal(t, http.StatusNoContent, warmResp.StatusCode)
	assert.Empty(t, drainBody(t, warmResp))
	assert.EqualValues(t, 1, ct.calls.Load(), "warm hit must not re-contact upstream")
}

func TestDirectoryEvictionForcesRefetch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := directory.New(1, nil)
	coord := coalesce.New(time.Second, nil)
	g := New(http.DefaultTransport, dir, coord, 4, nil, zerolog.Nop(), nil)

	urlA := srv.URL + "/a"
	urlB := srv.URL + "/b"

	resp, err := g.RoundTrip(mustRequest(urlA))
	require.NoError(t, err)
	drainBody(t, resp)

	resp, err = g.RoundTrip(mustRequest(urlB))
	require.NoError(t, err)
	drainBody(t, resp)

	require.Eventually(t, func() bool { return dir.Len() == 1 }, time.Second, time.Millisecond)

	resp, err = g.RoundTrip(mustRequest(urlA))
	require.NoError(t, err)
	drainBody(t, resp)

	assert.EqualValues(t, 3, calls.Load(), "evicted entry A must force a third upstream call")
}

func TestCoalescingTimeoutSurfacesAsError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	dir := directory.New(16, nil)
	coord := coalesce.New(5*time.Millisecond, nil)
	g := New(http.DefaultTransport, dir, coord, 4, nil, zerolog.Nop(), nil)

	leaderStarted := make(chan struct{})
	go func() {
		close(leaderStarted)
		_, _ = g.RoundTrip(mustRequest(srv.URL))
	}()
	<-leaderStarted
	time.Sleep(2 * time.Millisecond)

	_, err := g.RoundTrip(mustRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, errors.Is(err, coalesce.ErrCoalescingTimeout))
}

func TestNonGetRequestsBypassCacheEntirely(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g, _ := newGlue(http.DefaultTransport)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)

	_, err := g.RoundTrip(req)
	require.NoError(t, err)
	_, err = g.RoundTrip(req)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 0, g.Directory.Len())
}
