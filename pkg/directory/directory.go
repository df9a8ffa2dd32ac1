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

// Package directory holds the bounded, access-ordered map from fingerprint
// to StreamingEntry.
package directory

import (
	"container/list"
	"sync"

	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/pkg/fingerprint"
	"github.com/kacheio/streamcache/pkg/streamentry"
)

type entryNode struct {
	key   fingerprint.Key
	entry *streamentry.StreamingEntry
}

// LruDirectory maps fingerprints to StreamingEntries, bounded to Capacity
// entries, evicting the least-recently-accessed entry on overflow. Eviction
// only drops the directory's own reference; a StreamingEntry still being
// read by an in-flight EntryReader is kept alive by that reader's own
// reference, not by directory membership.
type LruDirectory struct {
	mu       sync.RWMutex
	capacity int
	index    map[fingerprint.Key]*list.Element
	order    *list.List // front = most recently used
	metrics  *metrics.Metrics
}

// New returns an LruDirectory bounded to capacity entries. m may be nil.
func New(capacity int, m *metrics.Metrics) *LruDirectory {
	return &LruDirectory{
		capacity: capacity,
		index:    make(map[fingerprint.Key]*list.Element),
		order:    list.New(),
		metrics:  m,
	}
}

// Get looks up k, promoting it to most-recently-used on a hit. If the entry
// is already at the head of the access order, promotion is skipped entirely
// so a repeated hit never needs the exclusive lock.
func (d *LruDirectory) Get(k fingerprint.Key) (*streamentry.StreamingEntry, bool) {
	d.mu.RLock()
	elem, ok := d.index[k]
	if !ok {
		d.mu.RUnlock()
		return nil, false
	}
	atHead := d.order.Front() == elem
	entry := elem.Value.(*entryNode).entry
	d.mu.RUnlock()

	if atHead {
		return entry, true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Re-check under the exclusive lock: k may have been evicted or moved
	// between the two lock acquisitions.
	elem, ok = d.index[k]
	if !ok {
		return nil, false
	}
	if d.order.Front() != elem {
		d.order.MoveToFront(elem)
	}
	return elem.Value.(*entryNode).entry, true
}

// Insert adds or replaces the entry for k at the head of the access order,
// evicting the tail entry if the directory is at capacity.
func (d *LruDirectory) Insert(k fingerprint.Key, entry *streamentry.StreamingEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if elem, ok := d.index[k]; ok {
		d.order.Remove(elem)
		delete(d.index, k)
	}

	elem := d.order.PushFront(&entryNode{key: k, entry: entry})
	d.index[k] = elem

	if len(d.index) > d.capacity {
		tail := d.order.Back()
		if tail != nil {
			d.order.Remove(tail)
			delete(d.index, tail.Value.(*entryNode).key)
			d.metrics.IncDirectoryEviction()
		}
	}
}

// SetCapacity changes the directory's bound, taking effect immediately:
// shrinking it evicts tail entries right away rather than waiting for the
// next Insert to notice the directory is over capacity.
func (d *LruDirectory) SetCapacity(capacity int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capacity = capacity
	for len(d.index) > d.capacity {
		tail := d.order.Back()
		if tail == nil {
			break
		}
		d.order.Remove(tail)
		delete(d.index, tail.Value.(*entryNode).key)
		d.metrics.IncDirectoryEviction()
	}
}

// Len returns the current number of directory entries.
func (d *LruDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

// Keys returns a snapshot of the directory's fingerprints in
// most-to-least-recently-used order, for the admin debug API.
func (d *LruDirectory) Keys() []fingerprint.Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]fingerprint.Key, 0, len(d.index))
	for e := d.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entryNode).key)
	}
	return keys
}
