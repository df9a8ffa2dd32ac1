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

// Package block implements the lock-free single-producer/many-consumer
// block primitive the cache's streaming entries are built from.
package block

import "sync/atomic"

// Size is the fixed payload capacity of a block, in bytes.
const Size = 64

// The end-of-stream marker (see AllOnes and IsAllOnes) is a block whose size
// equals Size and whose payload is all 0x01. It is written only at the end
// of the response's final section.

// Block is a single fixed-size slot in a RingBlockQueue. Its version encodes
// the handoff protocol between the single writer and its many readers: even
// means "writer is mutating", odd means "readable snapshot". Readers
// acknowledge a read by adding 2 to the version, which keeps the parity odd
// (still readable) without excluding other readers.
type Block struct {
	version atomic.Uint32
	size    atomic.Uint32
	data    [Size]byte
}

// Write publishes size bytes (copied from payload[:size]) into the block,
// following the version handoff protocol described on Block. It
// must only ever be called by the single writer that owns this block's slot.
func (b *Block) Write(payload []byte, size int) {
	cur := b.version.Load()
	target := cur + 1
	if cur%2 == 1 {
		// Previously published: flip to even (writer-in-progress) first.
		b.version.Store(target)
		target++
	}
	b.size.Store(uint32(size))
	copy(b.data[:], payload[:size])
	b.version.Store(target)
}

// Read attempts to decode the block into dst, returning the number of bytes
// copied and true if the block was readable (odd version). Many goroutines
// may call Read concurrently against the same block; none of them exclude
// each other or the writer.
func (b *Block) Read(dst []byte) (int, bool) {
	v := b.version.Load()
	if v%2 == 0 {
		return 0, false
	}
	size := b.size.Load()
	n := copy(dst, b.data[:size])
	b.version.Store(v + 2)
	return n, true
}

// IsAllOnes reports whether the block is a full, all-0x01 sentinel block
// (the end-of-section / end-of-stream marker).
func IsAllOnes(payload []byte, size int) bool {
	if size != Size {
		return false
	}
	for _, c := range payload[:size] {
		if c != 1 {
			return false
		}
	}
	return true
}

// AllOnes returns a freshly filled all-0x01 sentinel payload of length Size.
func AllOnes() [Size]byte {
	var buf [Size]byte
	for i := range buf {
		buf[i] = 1
	}
	return buf
}
