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

import "errors"

// Framing rules:
//
//   - A header/trailer field is one or more full (size == block.Size) blocks
//     followed by exactly one partial-or-empty block that marks its end.
//   - A zero-size block inside a section is a field/section delimiter.
//   - A full block whose payload is all 0x01 marks end-of-stream; it is only
//     ever written to the section that actually contains the last byte of
//     the response (headers-only, body, or trailers).

var (
	// ErrBadStatusCode names an upstream status that cannot be interpreted
	// as an integer. No function in this package returns it:
	// OnUpstreamHeaders takes the status as an int.
	ErrBadStatusCode = errors.New("streamentry: bad status code")

	// ErrNonSuccessStatus names a non-2xx response. EntryWriter does not
	// return it; it frames such a response, serves it, and records it with
	// Cacheable false so it is never inserted into the directory.
	ErrNonSuccessStatus = errors.New("streamentry: non-success status")
)

// IsCacheableStatus reports whether code falls in [200, 300).
func IsCacheableStatus(code int) bool {
	return code >= 200 && code < 300
}
