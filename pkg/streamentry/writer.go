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
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/kacheio/streamcache/pkg/block"
	"github.com/rs/zerolog"
)

// StatusPseudoHeader is the key OnUpstreamHeaders stores the response
// status under within the framed header map, mirroring HTTP/2's ":status"
// pseudo-header so the abstract header map doesn't need a dedicated status
// field of its own. Readers must strip it before handing
// the map to a net/http consumer.
const StatusPseudoHeader = ":status"

// EntryWriter frames an upstream response into a StreamingEntry's sections.
// There is exactly one EntryWriter per entry, driven by a single goroutine
// (the coalescing leader) — it holds no lock of its own beyond what Section
// already provides for queue-list appends.
type EntryWriter struct {
	entry  *StreamingEntry
	logger zerolog.Logger

	headersBlocks  uint32
	bodyBlocks     uint32
	trailersBlocks uint32

	headersDone  bool
	bodyDone     bool
	trailersDone bool

	// StatusCode is captured from the first OnUpstreamHeaders call and
	// drives the status gate: non-2xx responses are framed and served
	// but never inserted into the directory.
	StatusCode int
	Cacheable  bool
}

// NewEntryWriter returns a writer for entry. logger may be the zero value
// (zerolog.Logger{}), in which case writes are silently dropped, matching
// the "core must remain functionally unaffected if the sink is a no-op"
// contract.
func NewEntryWriter(entry *StreamingEntry, logger zerolog.Logger) *EntryWriter {
	return &EntryWriter{entry: entry, logger: logger}
}

// OnUpstreamHeaders frames status and h as header fields, then closes the
// headers section. If endStream is true this is a headers-only response and
// the end-of-stream sentinel is written here instead of a plain delimiter.
func (w *EntryWriter) OnUpstreamHeaders(statusCode int, h http.Header, endStream bool) error {
	w.StatusCode = statusCode
	w.Cacheable = IsCacheableStatus(statusCode)

	framed := h.Clone()
	if framed == nil {
		framed = make(http.Header)
	}
	framed.Set(StatusPseudoHeader, strconv.Itoa(statusCode))

	if err := w.writeHeaderMap(w.entry.Headers, framed); err != nil {
		return err
	}
	if err := w.writeSectionDelimiter(w.entry.Headers, endStream); err != nil {
		return err
	}
	w.finalize(w.entry.Headers, &w.headersBlocks)
	w.headersDone = true

	if !w.Cacheable {
		w.logger.Debug().Int("status", statusCode).Msg("response is not cacheable, serving but not storing")
	}
	return nil
}

// OnUpstreamData frames chunk as body bytes. endStream marks this as the
// final body chunk (no trailers follow); OnUpstreamTrailers is responsible
// for closing the body section when trailers do follow.
func (w *EntryWriter) OnUpstreamData(chunk []byte, endStream bool) error {
	if len(chunk) > 0 {
		if err := w.writeBodyBytes(chunk); err != nil {
			return err
		}
	}
	if endStream {
		if w.bodyBlocks == 0 {
			// No body bytes were ever written (e.g. a 204 No Content
			// response): the reader only recognizes the all-ones sentinel as
			// end-of-stream once it has seen a prior chunk-boundary flush, so
			// emit the empty delimiter a real chunk would have left behind
			// before the sentinel.
			if err := w.writeBlock(w.entry.Body, nil, 0); err != nil {
				return err
			}
		}
		if err := w.writeBlock(w.entry.Body, sentinelPayload(), block.Size); err != nil {
			return err
		}
		w.finalize(w.entry.Body, &w.bodyBlocks)
		w.bodyDone = true
	}
	return nil
}

// OnUpstreamTrailers frames t as trailer fields and closes both the body
// section (if OnUpstreamData never saw endStream) and the trailers section,
// since trailers are always the true end of the response.
func (w *EntryWriter) OnUpstreamTrailers(t http.Header) error {
	if !w.bodyDone {
		w.finalize(w.entry.Body, &w.bodyBlocks)
		w.bodyDone = true
	}
	if err := w.writeHeaderMap(w.entry.Trailers, t); err != nil {
		return err
	}
	if err := w.writeBlock(w.entry.Trailers, sentinelPayload(), block.Size); err != nil {
		return err
	}
	w.finalize(w.entry.Trailers, &w.trailersBlocks)
	w.trailersDone = true
	return nil
}

// OnUpstreamComplete is the host's completion signal. It closes every
// section not yet closed: the body section gets its end-of-stream sentinel
// (as OnUpstreamData with endStream would write it) and the trailers
// section is finalized with no blocks. Without it a body never passed
// endStream would leave the entry readable-forever. It returns an error,
// and logs a warning, only when headers were never framed.
func (w *EntryWriter) OnUpstreamComplete() error {
	if !w.headersDone {
		w.logger.Warn().Msg("upstream completed before headers were framed")
		return errors.New("streamentry: upstream completed without headers")
	}
	if !w.bodyDone {
		if err := w.OnUpstreamData(nil, true); err != nil {
			return err
		}
	}
	if !w.trailersDone {
		// No trailers were ever sent; body's endStream already wrote the
		// sentinel, so the section carries no frames of its own — but it
		// still must publish a terminal count, or a reader that falls
		// through to serveTrailers spins on nextBlock forever waiting for a
		// total that would otherwise never arrive.
		w.finalize(w.entry.Trailers, &w.trailersBlocks)
		w.trailersDone = true
	}
	return nil
}

func (w *EntryWriter) writeHeaderMap(s *Section, h http.Header) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h.Values(k) {
			if err := w.writeField(s, []byte(k)); err != nil {
				return err
			}
			if err := w.writeField(s, []byte(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeField writes data as zero or more full blocks followed by exactly
// one partial-or-empty terminator block.
func (w *EntryWriter) writeField(s *Section, data []byte) error {
	offset := 0
	for len(data)-offset >= block.Size {
		if err := w.writeBlock(s, data[offset:offset+block.Size], block.Size); err != nil {
			return err
		}
		offset += block.Size
	}
	remaining := data[offset:]
	return w.writeBlock(s, remaining, len(remaining))
}

// writeBodyBytes writes raw chunk bytes as full blocks, followed by either
// a partial block (if the chunk didn't land on a block boundary) or an
// explicit empty delimiter block (if it did) — the chunk-boundary signal
// readers rely on to know where one write ended and the next began.
func (w *EntryWriter) writeBodyBytes(data []byte) error {
	offset := 0
	for len(data)-offset >= block.Size {
		if err := w.writeBlock(w.entry.Body, data[offset:offset+block.Size], block.Size); err != nil {
			return err
		}
		offset += block.Size
	}
	remaining := data[offset:]
	if len(remaining) > 0 {
		return w.writeBlock(w.entry.Body, remaining, len(remaining))
	}
	return w.writeBlock(w.entry.Body, nil, 0)
}

func (w *EntryWriter) writeSectionDelimiter(s *Section, endStream bool) error {
	if endStream {
		return w.writeBlock(s, sentinelPayload(), block.Size)
	}
	return w.writeBlock(s, nil, 0)
}

// writeBlock appends payload to the section's tail queue, transparently
// starting a new queue on block.ErrQueueFull, and bumps the
// section's in-flight block counter.
func (w *EntryWriter) writeBlock(s *Section, payload []byte, size int) error {
	for {
		q := s.tail()
		if err := q.Write(payload, size); err != nil {
			if errors.Is(err, block.ErrQueueFull) {
				s.appendQueue()
				continue
			}
			return err
		}
		*w.counterFor(s)++
		s.metrics.IncQueueBlocksWritten()
		return nil
	}
}

func (w *EntryWriter) counterFor(s *Section) *uint32 {
	switch s {
	case w.entry.Headers:
		return &w.headersBlocks
	case w.entry.Body:
		return &w.bodyBlocks
	default:
		return &w.trailersBlocks
	}
}

// finalize publishes the section's terminal block count exactly once and
// resets the writer's running counter for it.
func (w *EntryWriter) finalize(s *Section, counter *uint32) {
	s.finalize(*counter)
	*counter = 0
}

func sentinelPayload() []byte {
	buf := block.AllOnes()
	return buf[:]
}
