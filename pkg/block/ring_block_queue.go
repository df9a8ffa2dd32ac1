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

package block

import (
	"errors"
	"sync/atomic"
)

// ErrQueueFull is returned by Write once the queue has reached its capacity.
// Callers are expected to append a new queue and retry; it is never a fatal
// condition.
var ErrQueueFull = errors.New("block: queue is full")

// RingBlockQueue is a fixed-capacity, append-only sequence of blocks with
// single-producer/many-consumer semantics. Despite the name, it never
// wraps: once Capacity writes have been claimed, further writes fail with
// ErrQueueFull and the caller must start a new queue.
type RingBlockQueue struct {
	capacity uint32
	counter  atomic.Uint32
	blocks   []Block
}

// NewRingBlockQueue allocates a queue with room for capacity blocks.
func NewRingBlockQueue(capacity uint32) *RingBlockQueue {
	return &RingBlockQueue{
		capacity: capacity,
		blocks:   make([]Block, capacity),
	}
}

// Capacity returns the fixed number of blocks this queue can ever hold.
func (q *RingBlockQueue) Capacity() uint32 {
	return q.capacity
}

// Write claims the next block index and publishes payload[:size] into it.
// It returns ErrQueueFull once the queue has reached capacity; the caller
// never sees a partial claim.
func (q *RingBlockQueue) Write(payload []byte, size int) error {
	if q.counter.Load() >= q.capacity {
		return ErrQueueFull
	}
	idx := q.counter.Add(1) - 1
	if idx >= q.capacity {
		// Lost the race for the last slot(s); the queue is full from our
		// point of view even though the counter ticked past capacity.
		return ErrQueueFull
	}
	q.blocks[idx].Write(payload, size)
	return nil
}

// Read decodes the block at index into dst. It returns ErrNotYetReadable if
// the writer has not yet published that block (even version).
func (q *RingBlockQueue) Read(index uint32, dst []byte) (int, error) {
	n, ok := q.blocks[index].Read(dst)
	if !ok {
		return 0, ErrNotYetReadable
	}
	return n, nil
}

// ErrNotYetReadable is returned by Read when the reader has caught up to the
// writer and the requested block has not been published yet.
var ErrNotYetReadable = errors.New("block: not yet readable")
