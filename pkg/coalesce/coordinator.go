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

// Package coalesce elects, per fingerprint, a single worker to fetch an
// upstream response while every other worker requesting the same
// fingerprint rides along on that worker's result. It generalizes the
// single-leader request coalescer into one that also understands a worker
// can be leading several fingerprints at once, and must never wait on a
// signal only it can post.
package coalesce

import (
	"errors"
	"sync"
	"time"

	"github.com/kacheio/streamcache/internal/clock"
	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/pkg/fingerprint"
	"github.com/kacheio/streamcache/pkg/streamentry"
)

// ErrCoalescingTimeout is returned by Wait when the leader does not publish
// an entry within the coordinator's timeout.
var ErrCoalescingTimeout = errors.New("coalesce: timed out waiting for leader")

// ErrCoalescingAbandoned is returned to a re-delegated waiter whose
// designated group finished (or was itself abandoned) without ever
// publishing an entry.
var ErrCoalescingAbandoned = errors.New("coalesce: designated group was abandoned")

// ErrUpstreamFailed describes a leader that could not even obtain upstream
// headers (a connection-level failure, not a cacheability decision — those
// are always published normally per the status gate). Abort reports
// whatever error its caller passes; pkg/filter passes the transport's own
// error, not this value.
var ErrUpstreamFailed = errors.New("coalesce: leader's upstream request failed")

// Outcome is the result of registering a request with the coordinator.
type Outcome int

const (
	// InitialLeader means this request is the first for its fingerprint;
	// the caller must fetch from upstream and call Publish/Abort, then
	// Drain once the response is fully served.
	InitialLeader Outcome = iota
	// SameLeader means a leader for this fingerprint is already running on
	// this same worker; the caller's downstream was queued and will be
	// served by that leader's own Drain call. The caller does nothing more.
	SameLeader
	// OtherGroupLeader means this worker is already leading a different
	// fingerprint; the caller's downstream was re-delegated to that other
	// group and will be served once it (or a chain of further delegations)
	// completes. The caller does nothing more.
	OtherGroupLeader
	// Waiter means another worker is leading; the caller must call Wait.
	Waiter
)

// WorkerID identifies the worker a request is attributed to. Several
// concurrent requests may share one: pkg/filter folds a per-request counter
// onto a fixed pool of IDs.
type WorkerID uint64

// Downstream is the minimal per-request handle the coordinator threads
// through queued/delegated waiters so they can eventually be served.
// pkg/filter supplies the concrete implementation.
type Downstream = streamentry.Downstream

type pendingWaiter struct {
	down  Downstream
	group *group
}

type group struct {
	key      fingerprint.Key
	leaderID WorkerID

	mu       sync.Mutex
	cond     *sync.Cond
	entry    *streamentry.StreamingEntry
	err      error
	timedOut bool
	finished bool

	sameWorkerWaiters []Downstream
	otherGroupPending []pendingWaiter
}

func newGroup(key fingerprint.Key, leader WorkerID) *group {
	g := &group{key: key, leaderID: leader}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// alive reports whether g might still publish an entry: either it already
// has, or its leader hasn't finished yet. Once finished without an entry,
// nothing will ever wake waiters on it again — that's the Go-idiomatic
// stand-in for upgrading a weak_ptr and finding it expired (see DESIGN.md).
func (g *group) alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entry != nil || !g.finished
}

// Registration is the handle a caller uses to drive the rest of the
// coalescing protocol after Register returns InitialLeader or Waiter.
type Registration struct {
	Outcome  Outcome
	workerID WorkerID
	group    *group
}

// Coordinator is the process-wide coalescing state: which fingerprints
// currently have an in-flight leader, and which worker leads which
// fingerprints.
type Coordinator struct {
	mu      sync.Mutex
	groups  map[fingerprint.Key]*group
	leaders map[WorkerID]map[fingerprint.Key]*group

	timeout time.Duration
	metrics *metrics.Metrics
	clock   clock.TimeSource
}

// New returns a Coordinator whose waiters give up after timeout, timed by
// the real wall clock. m may be nil.
func New(timeout time.Duration, m *metrics.Metrics) *Coordinator {
	return NewWithClock(timeout, m, clock.NewSystemTimeSource())
}

// NewWithClock is New with an injectable TimeSource, so a waiter's timeout
// can be driven deterministically by a clock.EventTime in tests instead of
// racing a real timer.
func NewWithClock(timeout time.Duration, m *metrics.Metrics, ts clock.TimeSource) *Coordinator {
	return &Coordinator{
		groups:  make(map[fingerprint.Key]*group),
		leaders: make(map[WorkerID]map[fingerprint.Key]*group),
		timeout: timeout,
		metrics: m,
		clock:   ts,
	}
}

// SetTimeout changes how long a future Wait call blocks before giving up.
// Waiters already inside Wait keep the timeout their timer was armed with.
func (c *Coordinator) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// InFlight returns the fingerprints that currently have a live leader, for
// admin-API introspection. The snapshot may be stale the instant it
// returns; it's diagnostic, not authoritative.
func (c *Coordinator) InFlight() []fingerprint.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]fingerprint.Key, 0, len(c.groups))
	for k := range c.groups {
		keys = append(keys, k)
	}
	return keys
}

// Register enrolls a request for fingerprint k on behalf of workerID. down
// is only consumed (queued for later service) when the outcome is
// SameLeader or OtherGroupLeader; InitialLeader and Waiter callers drive
// the returned Registration themselves.
func (c *Coordinator) Register(workerID WorkerID, k fingerprint.Key, down Downstream) *Registration {
	c.mu.Lock()

	if g, ok := c.groups[k]; ok {
		if g.leaderID == workerID {
			g.mu.Lock()
			g.sameWorkerWaiters = append(g.sameWorkerWaiters, down)
			g.mu.Unlock()
			c.mu.Unlock()
			c.metrics.IncCoalesceSameWorker()
			return &Registration{Outcome: SameLeader, workerID: workerID, group: g}
		}

		if leaderGroups := c.leaders[workerID]; len(leaderGroups) > 0 {
			var target *group
			for _, lg := range leaderGroups {
				target = lg
				break
			}
			target.mu.Lock()
			target.otherGroupPending = append(target.otherGroupPending, pendingWaiter{down: down, group: g})
			target.mu.Unlock()
			c.mu.Unlock()
			c.metrics.IncCoalesceOtherGroup()
			return &Registration{Outcome: OtherGroupLeader, workerID: workerID, group: g}
		}

		c.mu.Unlock()
		c.metrics.IncCoalesceWaiter()
		return &Registration{Outcome: Waiter, workerID: workerID, group: g}
	}

	g := newGroup(k, workerID)
	c.groups[k] = g
	if c.leaders[workerID] == nil {
		c.leaders[workerID] = make(map[fingerprint.Key]*group)
	}
	c.leaders[workerID][k] = g
	c.mu.Unlock()
	c.metrics.IncCoalesceLeader()
	return &Registration{Outcome: InitialLeader, workerID: workerID, group: g}
}

// Publish makes entry visible to every waiter of reg's group and removes
// the group from the active lookup table, so subsequent Register calls for
// the same fingerprint treat it as a fresh miss. Only valid for an
// InitialLeader registration.
func (c *Coordinator) Publish(reg *Registration, entry *streamentry.StreamingEntry) {
	c.mu.Lock()
	delete(c.groups, reg.group.key)
	c.mu.Unlock()

	reg.group.mu.Lock()
	reg.group.entry = entry
	reg.group.cond.Broadcast()
	reg.group.mu.Unlock()
}

// Abort reports that the leader could not obtain an entry at all (upstream
// connection failure before any headers arrived). Every current and future
// waiter on this group observes err.
func (c *Coordinator) Abort(reg *Registration, err error) {
	c.mu.Lock()
	delete(c.groups, reg.group.key)
	c.mu.Unlock()

	reg.group.mu.Lock()
	reg.group.err = err
	reg.group.cond.Broadcast()
	reg.group.mu.Unlock()
}

// Wait blocks until reg's group publishes an entry, aborts, or the
// coordinator's timeout elapses. Valid for a Waiter registration.
func (c *Coordinator) Wait(reg *Registration) (*streamentry.StreamingEntry, error) {
	g := reg.group

	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	// timedOut belongs to this call only, so another waiter's earlier
	// deadline never ends this wait.
	timedOut := false
	timer := c.clock.AfterFunc(timeout, func() {
		g.mu.Lock()
		timedOut = true
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer timer.Stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.entry == nil && g.err == nil && !timedOut {
		g.cond.Wait()
	}
	if g.entry != nil {
		return g.entry, nil
	}
	if g.err != nil {
		return nil, g.err
	}
	c.metrics.IncCoalesceTimeout()
	return nil, ErrCoalescingTimeout
}

// DrainFunc serves down with entry (nil entry + non-nil err means the
// waiter should be told about a failure instead).
type DrainFunc func(down Downstream, entry *streamentry.StreamingEntry, err error)

// Drain is called by the leader once its own response has been fully
// served. It hands same-worker waiters to serve, then unwinds this worker's
// leadership bookkeeping. Re-delegated waiters are spliced onto another
// group this worker still leads if there is one; otherwise each is served
// once its designated group settles.
func (c *Coordinator) Drain(reg *Registration, serve DrainFunc) {
	g := reg.group

	g.mu.Lock()
	sameWorkerWaiters := g.sameWorkerWaiters
	g.sameWorkerWaiters = nil
	otherPending := g.otherGroupPending
	g.otherGroupPending = nil
	entry := g.entry
	err := g.err
	g.mu.Unlock()

	for _, down := range sameWorkerWaiters {
		serve(down, entry, err)
	}

	c.mu.Lock()
	if leaderGroups := c.leaders[reg.workerID]; leaderGroups != nil {
		delete(leaderGroups, g.key)
		if len(leaderGroups) == 0 {
			delete(c.leaders, reg.workerID)
		}
	}
	var spliceTarget *group
	for _, lg := range c.leaders[reg.workerID] {
		spliceTarget = lg
		break
	}
	c.mu.Unlock()

	if spliceTarget != nil && len(otherPending) > 0 {
		spliceTarget.mu.Lock()
		spliceTarget.otherGroupPending = append(spliceTarget.otherGroupPending, otherPending...)
		spliceTarget.mu.Unlock()
	} else {
		for _, p := range otherPending {
			c.drainPending(p, serve)
		}
	}

	g.mu.Lock()
	g.finished = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// drainPending upgrades a re-delegated waiter's weak reference to its
// designated group: if that group is still alive, wait for it to settle
// and serve from its outcome; if it already finished unsatisfied, the
// reference has expired and the waiter is reported abandoned.
func (c *Coordinator) drainPending(p pendingWaiter, serve DrainFunc) {
	target := p.group

	target.mu.Lock()
	for target.entry == nil && target.err == nil && !target.finished {
		target.cond.Wait()
	}
	entry := target.entry
	err := target.err
	target.mu.Unlock()

	if !target.alive() {
		c.metrics.IncCoalesceAbandoned()
		serve(p.down, nil, ErrCoalescingAbandoned)
		return
	}
	serve(p.down, entry, err)
}
