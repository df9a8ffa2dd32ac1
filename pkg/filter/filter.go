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

// Package filter glues the cache core (directory, coalescing coordinator,
// streaming entries) onto an ordinary http.RoundTripper, the seam a
// reverse proxy normally reserves for its cache transport.
package filter

import (
	"errors"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/kacheio/streamcache/internal/events"
	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/pkg/cachepolicy"
	"github.com/kacheio/streamcache/pkg/coalesce"
	"github.com/kacheio/streamcache/pkg/directory"
	"github.com/kacheio/streamcache/pkg/fingerprint"
	"github.com/kacheio/streamcache/pkg/streamentry"
	"github.com/rs/zerolog"
)

// Glue is an http.RoundTripper that serves GET requests from the cache
// core when possible, and otherwise drives an upstream fetch through the
// coalescing coordinator so concurrent identical requests share one
// upstream round trip.
type Glue struct {
	Next http.RoundTripper

	Directory   *directory.LruDirectory
	Coordinator *coalesce.Coordinator

	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	// Events carries structured log lines describing cache activity off the
	// request path. May be nil, in which case that logging is skipped
	// rather than blocking the request on a full queue.
	Events *events.Queue

	// WorkerPoolSize bounds how many distinct coalesce.WorkerIDs RoundTrip
	// cycles through. net/http gives every request its own goroutine rather
	// than the fixed pool of worker threads the coordinator's model
	// assumes, so this is the Go stand-in for that pool: requests are
	// folded onto WorkerPoolSize slots round-robin, the same way the
	// runtime folds goroutines onto GOMAXPROCS OS threads. Without this
	// bound every request would mint a WorkerID no other request could
	// ever share, and the coordinator's SameLeader/OtherGroupLeader paths
	// would never trigger outside of unit tests that construct collisions
	// by hand.
	WorkerPoolSize uint64

	workerSeq          atomic.Uint64
	ringBufferCapacity atomic.Uint32
}

// SetRingBufferCapacity changes the block capacity given to every
// StreamingEntry created from this point on. Entries already in the
// directory keep the capacity they were built with.
func (g *Glue) SetRingBufferCapacity(capacity uint32) {
	g.ringBufferCapacity.Store(capacity)
}

// New returns a ready-to-use Glue. next is the upstream transport; if nil,
// http.DefaultTransport is used.
func New(next http.RoundTripper, dir *directory.LruDirectory, coord *coalesce.Coordinator, ringBufferCapacity uint32, m *metrics.Metrics, logger zerolog.Logger, evq *events.Queue) *Glue {
	poolSize := uint64(runtime.GOMAXPROCS(0))
	if poolSize < 1 {
		poolSize = 1
	}
	g := &Glue{
		Next:           next,
		Directory:      dir,
		Coordinator:    coord,
		Metrics:        m,
		Logger:         logger,
		Events:         evq,
		WorkerPoolSize: poolSize,
	}
	g.ringBufferCapacity.Store(ringBufferCapacity)
	return g
}

// logAsync dispatches a log line through Events so formatting it never adds
// latency to the request that triggered it. No-op if Events is nil or full.
func (g *Glue) logAsync(fn func()) {
	if g.Events == nil {
		return
	}
	_ = g.Events.Dispatch(fn)
}

// RoundTrip implements http.RoundTripper.
func (g *Glue) RoundTrip(req *http.Request) (*http.Response, error) {
	if !cachepolicy.IsCacheableRequest(req) {
		return g.send(req)
	}

	k := fingerprint.New(req)

	if entry, ok := g.Directory.Get(k); ok {
		g.Metrics.IncCacheHit()
		g.logAsync(func() { g.Logger.Debug().Str("key", k.String()).Msg("cache hit") })
		return g.serveFromEntry(entry)
	}
	g.Metrics.IncCacheMiss()
	g.logAsync(func() { g.Logger.Debug().Str("key", k.String()).Msg("cache miss") })

	worker := coalesce.WorkerID(g.workerSeq.Add(1) % g.WorkerPoolSize)
	down := newResponseDownstream()
	reg := g.Coordinator.Register(worker, k, down)

	switch reg.Outcome {
	case coalesce.InitialLeader:
		return g.lead(req, k, reg)
	case coalesce.Waiter:
		entry, err := g.Coordinator.Wait(reg)
		if err != nil {
			return nil, err
		}
		return g.serveFromEntry(entry)
	case coalesce.SameLeader, coalesce.OtherGroupLeader:
		// down was queued/re-delegated; the eventual leader's Drain call
		// will drive a reader against it and wake wait() below.
		return down.wait()
	default:
		return nil, errors.New("filter: unreachable coalescing outcome")
	}
}

// lead fetches from upstream, frames the response into a fresh
// StreamingEntry as the caller streams it, and publishes the entry to any
// concurrent waiters as soon as headers are available.
func (g *Glue) lead(req *http.Request, k fingerprint.Key, reg *coalesce.Registration) (*http.Response, error) {
	resp, err := g.send(req)
	if err != nil {
		g.Coordinator.Abort(reg, err)
		g.Coordinator.Drain(reg, g.serveWaiter)
		return nil, err
	}

	entry := streamentry.New(g.ringBufferCapacity.Load(), g.Metrics)
	writer := streamentry.NewEntryWriter(entry, g.Logger)

	if ferr := writer.OnUpstreamHeaders(resp.StatusCode, resp.Header, false); ferr != nil {
		g.Logger.Warn().Err(ferr).Msg("failed to frame upstream headers")
	}

	if writer.Cacheable && cachepolicy.IsCacheableResponse(resp) {
		g.Directory.Insert(k, entry)
		g.logAsync(func() { g.Logger.Debug().Str("key", k.String()).Msg("directory insert") })
	} else {
		g.logAsync(func() { g.Logger.Debug().Str("key", k.String()).Int("status", resp.StatusCode).Msg("response not cacheable") })
	}
	g.Coordinator.Publish(reg, entry)

	resp.Body = &teeReadCloser{
		rc:     resp.Body,
		writer: writer,
		resp:   resp,
		onDone: func() { g.Coordinator.Drain(reg, g.serveWaiter) },
	}
	return resp, nil
}

// serveFromEntry replays entry to a fresh response, returning as soon as
// headers are decoded; the body continues to stream afterward.
func (g *Glue) serveFromEntry(entry *streamentry.StreamingEntry) (*http.Response, error) {
	down := newResponseDownstream()
	r := streamentry.NewEntryReader(entry, down, nil)
	go func() { _ = r.Serve() }()
	return down.wait()
}

// serveWaiter is the coalesce.DrainFunc driving every same-worker and
// re-delegated waiter once the leader (or the group it was re-delegated
// to) settles.
func (g *Glue) serveWaiter(down streamentry.Downstream, entry *streamentry.StreamingEntry, err error) {
	rd, ok := down.(*responseDownstream)
	if !ok || rd == nil {
		return
	}
	if err != nil {
		rd.fail(err)
		return
	}
	r := streamentry.NewEntryReader(entry, rd, nil)
	_ = r.Serve()
}

func (g *Glue) send(req *http.Request) (*http.Response, error) {
	next := g.Next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
