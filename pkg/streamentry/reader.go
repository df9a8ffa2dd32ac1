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

package streamentry

import (
	"net/http"
	"runtime"

	"github.com/kacheio/streamcache/pkg/block"
)

// spinBound is the number of plain re-checks attempted before a reader
// cooperatively yields the worker, rather than tight-spinning.
const spinBound = 64

// Downstream receives the decoded response as the reader walks the entry.
type Downstream interface {
	EmitHeaders(h http.Header, endStream bool)
	EmitData(p []byte, endStream bool)
	EmitTrailers(t http.Header)
}

// EntryReader replays a StreamingEntry to a Downstream. Many EntryReaders
// may run concurrently against the same entry, including while its writer
// is still producing blocks.
type EntryReader struct {
	entry *StreamingEntry
	down  Downstream

	cancel <-chan struct{}
}

// NewEntryReader returns a reader that drives down from entry. cancel, if
// non-nil, lets the host signal downstream disconnect; the reader stops
// between blocks once it is closed/readable.
func NewEntryReader(entry *StreamingEntry, down Downstream, cancel <-chan struct{}) *EntryReader {
	return &EntryReader{entry: entry, down: down, cancel: cancel}
}

// Serve replays headers, then body, then trailers, stopping as soon as
// end-of-stream is observed in whichever section carries it.
func (r *EntryReader) Serve() error {
	endStream, err := r.serveHeaders()
	if err != nil || endStream {
		return err
	}
	endStream, err = r.serveBody()
	if err != nil || endStream {
		return err
	}
	return r.serveTrailers()
}

func (r *EntryReader) cancelled() bool {
	if r.cancel == nil {
		return false
	}
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// nextBlock busy-waits (bounded spin, then yield) for block index i of
// section s to become readable, or for the section to finalize at or
// before i (meaning there is nothing more to read).
func (r *EntryReader) nextBlock(s *Section, i uint32, dst []byte) (n int, size int, done bool, cancelled bool) {
	spins := 0
	for {
		if r.cancelled() {
			return 0, 0, false, true
		}
		if total, ok := s.Total(); ok && i >= total {
			return 0, 0, true, false
		}
		q, local := s.queueAt(i)
		if q != nil {
			if n, err := q.Read(local, dst); err == nil {
				return n, n, false, false
			}
		}
		spins++
		if spins > spinBound {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (r *EntryReader) serveHeaders() (endStream bool, err error) {
	section := r.entry.Headers
	headers := make(http.Header)

	keyBuf := make([]byte, 0, 64)
	valBuf := make([]byte, 0, 64)
	inValue := false
	haveKeyBytes := false

	dst := make([]byte, block.Size)
	var i uint32
	for {
		n, size, done, cancelled := r.nextBlock(section, i, dst)
		if cancelled {
			return false, nil
		}
		if done {
			if len(headers) > 0 || haveKeyBytes {
				r.down.EmitHeaders(headers, false)
			}
			return false, nil
		}
		i++

		full := size == block.Size
		if size > 0 {
			if !inValue && !haveKeyBytes && full && block.IsAllOnes(dst, size) {
				r.down.EmitHeaders(headers, true)
				return true, nil
			}
			if inValue {
				valBuf = append(valBuf, dst[:n]...)
			} else {
				keyBuf = append(keyBuf, dst[:n]...)
				haveKeyBytes = true
			}
			if !full {
				if inValue {
					headers.Add(string(keyBuf), string(valBuf))
					keyBuf = keyBuf[:0]
					valBuf = valBuf[:0]
					inValue = false
					haveKeyBytes = false
				} else {
					inValue = true
				}
			}
			continue
		}

		// Empty (size == 0) block: terminates the field in progress, or is
		// a section delimiter when no field is in progress.
		if !inValue && !haveKeyBytes {
			r.down.EmitHeaders(headers, false)
			headers = make(http.Header)
			continue
		}
		if inValue {
			headers.Add(string(keyBuf), string(valBuf))
			keyBuf = keyBuf[:0]
			valBuf = valBuf[:0]
			inValue = false
			haveKeyBytes = false
		} else {
			inValue = true
		}
	}
}

func (r *EntryReader) serveBody() (endStream bool, err error) {
	section := r.entry.Body
	buf := make([]byte, 0, block.Size)
	chunkJustFlushed := false

	dst := make([]byte, block.Size)
	var i uint32
	for {
		n, size, done, cancelled := r.nextBlock(section, i, dst)
		if cancelled {
			return false, nil
		}
		if done {
			if len(buf) > 0 {
				r.down.EmitData(buf, false)
			}
			return false, nil
		}
		i++

		full := size == block.Size
		if size > 0 {
			if chunkJustFlushed && full && block.IsAllOnes(dst, size) {
				r.down.EmitData(buf, true)
				return true, nil
			}
			chunkJustFlushed = false
			buf = append(buf, dst[:n]...)
			if !full {
				r.down.EmitData(buf, false)
				buf = buf[:0]
				chunkJustFlushed = true
			}
			continue
		}

		// Empty block: either the boundary marker for an exact-multiple
		// chunk just flushed (no-op), or it was the boundary itself.
		if !chunkJustFlushed {
			r.down.EmitData(buf, false)
			buf = buf[:0]
			chunkJustFlushed = true
		}
	}
}

func (r *EntryReader) serveTrailers() error {
	section := r.entry.Trailers
	trailers := make(http.Header)

	keyBuf := make([]byte, 0, 64)
	valBuf := make([]byte, 0, 64)
	inValue := false
	haveKeyBytes := false

	dst := make([]byte, block.Size)
	var i uint32
	for {
		n, size, done, cancelled := r.nextBlock(section, i, dst)
		if cancelled {
			return nil
		}
		if done {
			r.down.EmitTrailers(trailers)
			return nil
		}
		i++

		full := size == block.Size
		if size > 0 {
			if !inValue && !haveKeyBytes && full && block.IsAllOnes(dst, size) {
				r.down.EmitTrailers(trailers)
				return nil
			}
			if inValue {
				valBuf = append(valBuf, dst[:n]...)
			} else {
				keyBuf = append(keyBuf, dst[:n]...)
				haveKeyBytes = true
			}
			if !full {
				if inValue {
					trailers.Add(string(keyBuf), string(valBuf))
					keyBuf = keyBuf[:0]
					valBuf = valBuf[:0]
					inValue = false
					haveKeyBytes = false
				} else {
					inValue = true
				}
			}
			continue
		}

		if !inValue && !haveKeyBytes {
			// Delimiter with no field in progress; trailers don't repeat
			// across frames the way headers can, but tolerate it.
			continue
		}
		// Otherwise the empty block terminates the field in progress.
		if inValue {
			trailers.Add(string(keyBuf), string(valBuf))
			keyBuf = keyBuf[:0]
			valBuf = valBuf[:0]
			inValue = false
			haveKeyBytes = false
		} else {
			inValue = true
		}
	}
}
