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

// Package metrics wires the cache's counters into a caller-supplied
// prometheus.Registerer, the same threading pattern the host application
// uses for all of its own metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the cache core and its host publish.
// A nil *Metrics is valid everywhere it's accepted; all methods on it are
// no-ops, so the core stays functionally unaffected when metrics are
// disabled.
type Metrics struct {
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	CoalesceLeader        prometheus.Counter
	CoalesceWaiter        prometheus.Counter
	CoalesceSameWorker    prometheus.Counter
	CoalesceOtherGroup    prometheus.Counter
	CoalesceTimeouts      prometheus.Counter
	CoalesceAbandoned     prometheus.Counter
	DirectoryEvictions    prometheus.Counter
	QueueBlocksWritten    prometheus.Counter
	QueueSectionsAppended prometheus.Counter
}

// New registers and returns the cache's metrics against reg. reg may be
// nil, in which case New returns nil and every call site must tolerate it.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_cache_hits_total",
			Help: "Number of requests served from the directory without contacting upstream.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_cache_misses_total",
			Help: "Number of requests that required an upstream fetch.",
		}),
		CoalesceLeader: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_leader_total",
			Help: "Number of requests that became the coalescing leader for their fingerprint.",
		}),
		CoalesceWaiter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_waiter_total",
			Help: "Number of requests that waited on another worker's leader.",
		}),
		CoalesceSameWorker: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_same_worker_total",
			Help: "Number of requests coalesced onto a leader running on the same worker.",
		}),
		CoalesceOtherGroup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_other_group_total",
			Help: "Number of requests re-delegated because their worker already led a different group.",
		}),
		CoalesceTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_timeout_total",
			Help: "Number of waiters that gave up after the coalescing timeout elapsed.",
		}),
		CoalesceAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_coalesce_abandoned_total",
			Help: "Number of re-delegated waiters whose designated group never published.",
		}),
		DirectoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_directory_evictions_total",
			Help: "Number of directory entries evicted to stay within capacity.",
		}),
		QueueBlocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_queue_blocks_written_total",
			Help: "Number of blocks written across all ring block queues.",
		}),
		QueueSectionsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamcache_queue_sections_appended_total",
			Help: "Number of times a section outgrew its tail queue and appended a new one.",
		}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.CoalesceLeader, m.CoalesceWaiter, m.CoalesceSameWorker, m.CoalesceOtherGroup,
		m.CoalesceTimeouts, m.CoalesceAbandoned,
		m.DirectoryEvictions, m.QueueBlocksWritten, m.QueueSectionsAppended,
	)
	return m
}

func (m *Metrics) incCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) incCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// IncCacheHit and IncCacheMiss are the exported, nil-safe counters
// pkg/filter drives directly.
func (m *Metrics) IncCacheHit()  { m.incCacheHit() }
func (m *Metrics) IncCacheMiss() { m.incCacheMiss() }

func (m *Metrics) IncCoalesceLeader() {
	if m == nil {
		return
	}
	m.CoalesceLeader.Inc()
}

func (m *Metrics) IncCoalesceWaiter() {
	if m == nil {
		return
	}
	m.CoalesceWaiter.Inc()
}

func (m *Metrics) IncCoalesceSameWorker() {
	if m == nil {
		return
	}
	m.CoalesceSameWorker.Inc()
}

func (m *Metrics) IncCoalesceOtherGroup() {
	if m == nil {
		return
	}
	m.CoalesceOtherGroup.Inc()
}

func (m *Metrics) IncCoalesceTimeout() {
	if m == nil {
		return
	}
	m.CoalesceTimeouts.Inc()
}

func (m *Metrics) IncCoalesceAbandoned() {
	if m == nil {
		return
	}
	m.CoalesceAbandoned.Inc()
}

func (m *Metrics) IncDirectoryEviction() {
	if m == nil {
		return
	}
	m.DirectoryEvictions.Inc()
}

func (m *Metrics) IncQueueBlocksWritten() {
	if m == nil {
		return
	}
	m.QueueBlocksWritten.Inc()
}

func (m *Metrics) IncQueueSectionAppended() {
	if m == nil {
		return
	}
	m.QueueSectionsAppended.Inc()
}
