package streamentry

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDownstream struct {
	mu       sync.Mutex
	headers  []http.Header
	headerEnd []bool
	data     [][]byte
	dataEnd  []bool
	trailers []http.Header
}

func (d *recordingDownstream) EmitHeaders(h http.Header, endStream bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, h.Clone())
	d.headerEnd = append(d.headerEnd, endStream)
}

func (d *recordingDownstream) EmitData(p []byte, endStream bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), p...)
	d.data = append(d.data, cp)
	d.dataEnd = append(d.dataEnd, endStream)
}

func (d *recordingDownstream) EmitTrailers(t http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trailers = append(d.trailers, t.Clone())
}

func (d *recordingDownstream) body() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, p := range d.data {
		out = append(out, p...)
	}
	return out
}

func TestRoundtripSimpleResponse(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())

	h := http.Header{"Content-Type": []string{"text/plain"}}
	require.NoError(t, w.OnUpstreamHeaders(200, h, false))
	require.NoError(t, w.OnUpstreamData([]byte("hello"), true))

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)
	require.NoError(t, r.Serve())

	require.Len(t, down.headers, 1)
	assert.Equal(t, "text/plain", down.headers[0].Get("Content-Type"))
	assert.False(t, down.headerEnd[0])
	assert.Equal(t, "hello", string(down.body()))
	assert.True(t, down.dataEnd[len(down.dataEnd)-1])
}

func TestRoundtripHeadersOnly(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())
	h := http.Header{"X-Empty": []string{""}}
	require.NoError(t, w.OnUpstreamHeaders(204, h, true))

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)
	require.NoError(t, r.Serve())

	require.Len(t, down.headers, 1)
	assert.True(t, down.headerEnd[0])
	assert.Empty(t, down.data)
	assert.Empty(t, down.trailers)
}

// TestRoundtripEmptyBodyProductionPath mirrors how pkg/filter actually drives
// the writer for a cacheable empty-body response (e.g. 204 No Content):
// headers are always framed with endStream=false, and end-of-stream is only
// ever signalled later via OnUpstreamComplete's safety net, never by passing
// endStream=true to OnUpstreamHeaders directly. A reader serving that entry
// must still terminate instead of spinning forever on an unfinalized body.
func TestRoundtripEmptyBodyProductionPath(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())

	require.NoError(t, w.OnUpstreamHeaders(204, http.Header{}, false))
	require.NoError(t, w.OnUpstreamComplete())

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)

	done := make(chan error, 1)
	go func() { done <- r.Serve() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not terminate for an empty-body response framed via OnUpstreamComplete")
	}

	require.Len(t, down.headers, 1)
	assert.False(t, down.headerEnd[0])
	assert.Empty(t, down.body())
	assert.True(t, down.dataEnd[len(down.dataEnd)-1])
}

func TestRoundtripWithTrailers(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())

	require.NoError(t, w.OnUpstreamHeaders(200, http.Header{"Content-Type": {"text/plain"}}, false))
	require.NoError(t, w.OnUpstreamData([]byte("abc"), false))
	require.NoError(t, w.OnUpstreamTrailers(http.Header{"X-Checksum": {"deadbeef"}}))

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)
	require.NoError(t, r.Serve())

	assert.Equal(t, "abc", string(down.body()))
	require.Len(t, down.trailers, 1)
	assert.Equal(t, "deadbeef", down.trailers[0].Get("X-Checksum"))
}

func TestRoundtripChunkExactBlockBoundary(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())

	exact := make([]byte, 64)
	for i := range exact {
		exact[i] = byte('a' + i%26)
	}

	require.NoError(t, w.OnUpstreamHeaders(200, http.Header{}, false))
	require.NoError(t, w.OnUpstreamData(exact, false))
	require.NoError(t, w.OnUpstreamData([]byte("tail"), true))

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)
	require.NoError(t, r.Serve())

	assert.Equal(t, append(append([]byte{}, exact...), []byte("tail")...), down.body())
}

func TestStreamingReaderStartsBeforeWriterFinishes(t *testing.T) {
	entry := New(4)
	w := NewEntryWriter(entry, zerolog.Nop())
	require.NoError(t, w.OnUpstreamHeaders(200, http.Header{"Content-Type": {"text/plain"}}, false))

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)

	done := make(chan error, 1)
	go func() { done <- r.Serve() }()

	chunks := [][]byte{[]byte("0123456789012345678901234567890123456789"), []byte("another-chunk-of-bytes"), []byte("final-chunk")}
	for i, c := range chunks {
		require.NoError(t, w.OnUpstreamData(c, i == len(chunks)-1))
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, <-done)

	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}
	assert.Equal(t, want, down.body())
}

func TestNonSuccessStatusStillServes(t *testing.T) {
	entry := New(8)
	w := NewEntryWriter(entry, zerolog.Nop())
	require.NoError(t, w.OnUpstreamHeaders(500, http.Header{}, false))
	require.NoError(t, w.OnUpstreamData([]byte("boom"), true))
	assert.False(t, w.Cacheable)

	down := &recordingDownstream{}
	r := NewEntryReader(entry, down, nil)
	require.NoError(t, r.Serve())
	assert.Equal(t, "boom", string(down.body()))
}

func TestConcurrentReadersObserveSameBytes(t *testing.T) {
	entry := New(4)
	w := NewEntryWriter(entry, zerolog.Nop())
	require.NoError(t, w.OnUpstreamHeaders(200, http.Header{}, false))
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated a few times for good measure")
	require.NoError(t, w.OnUpstreamData(payload, true))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			down := &recordingDownstream{}
			r := NewEntryReader(entry, down, nil)
			require.NoError(t, r.Serve())
			assert.Equal(t, payload, down.body())
		}()
	}
	wg.Wait()
}
