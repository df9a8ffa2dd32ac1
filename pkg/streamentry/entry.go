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

// Package streamentry holds a single cached response as it is being built
// (or replayed): a StreamingEntry lets one writer append headers, body and
// trailers while many readers replay the same bytes concurrently, without
// waiting for the writer to finish.
package streamentry

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/pkg/block"
)

// notFinalized is the section_total sentinel meaning "still being written".
const notFinalized = math.MaxUint32

// Section is one of headers/body/trailers: an ordered, append-only sequence
// of block queues plus the finalized block count for the section.
type Section struct {
	mu      sync.RWMutex
	queues  []*block.RingBlockQueue
	total   atomic.Uint32
	tailCap uint32
	metrics *metrics.Metrics
}

func newSection(tailCap uint32, m *metrics.Metrics) *Section {
	s := &Section{tailCap: tailCap, metrics: m}
	s.total.Store(notFinalized)
	s.queues = append(s.queues, block.NewRingBlockQueue(tailCap))
	return s
}

// queueAt returns the queue holding block index i, translating i into a
// (queue, local index) pair. Callers hold no lock across this and any
// subsequent block I/O.
func (s *Section) queueAt(i uint32) (*block.RingBlockQueue, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qIdx := i / s.tailCap
	if int(qIdx) >= len(s.queues) {
		return nil, 0
	}
	return s.queues[qIdx], i % s.tailCap
}

// appendQueue adds a fresh tail queue, used when the current tail refuses a
// write with block.ErrQueueFull.
func (s *Section) appendQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = append(s.queues, block.NewRingBlockQueue(s.tailCap))
	s.metrics.IncQueueSectionAppended()
}

// tail returns the current last queue without taking the exclusive lock.
func (s *Section) tail() *block.RingBlockQueue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[len(s.queues)-1]
}

// finalize publishes the section's terminal block count. It must be called
// at most once; callers are responsible for that invariant (the writer only
// ever finalizes a section once, when it closes out).
func (s *Section) finalize(total uint32) {
	s.total.Store(total)
}

// Total returns the published terminal block count, and whether the section
// has been finalized yet.
func (s *Section) Total() (uint32, bool) {
	t := s.total.Load()
	return t, t != notFinalized
}

// StreamingEntry is one cache-stored response: three sections (headers,
// body, trailers) sharing a per-queue block capacity.
type StreamingEntry struct {
	perSectionCapacity uint32

	Headers  *Section
	Body     *Section
	Trailers *Section
}

// New allocates a StreamingEntry whose queues each hold perSectionCapacity
// blocks before a new queue is appended. m may be nil.
func New(perSectionCapacity uint32, m ...*metrics.Metrics) *StreamingEntry {
	var mm *metrics.Metrics
	if len(m) > 0 {
		mm = m[0]
	}
	return &StreamingEntry{
		perSectionCapacity: perSectionCapacity,
		Headers:            newSection(perSectionCapacity, mm),
		Body:                newSection(perSectionCapacity, mm),
		Trailers:            newSection(perSectionCapacity, mm),
	}
}

// PerSectionCapacity returns the C shared by every queue in this entry.
func (e *StreamingEntry) PerSectionCapacity() uint32 {
	return e.perSectionCapacity
}
