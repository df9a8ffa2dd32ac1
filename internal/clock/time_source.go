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

package clock

import (
	"sync"
	"time"
)

type (
	// TimeSource is an interface for any entity that provides the current
	// time and can schedule a one-shot callback relative to it. It's
	// primarily used to mock out timeouts in unit tests.
	TimeSource interface {
		Now() time.Time
		Since(t time.Time) time.Duration
		AfterFunc(d time.Duration, fn func()) Timer
	}

	// Timer cancels a callback scheduled by TimeSource.AfterFunc.
	Timer interface {
		Stop() bool
	}

	// SystemTime is the real wall-clock time.
	SystemTime struct{}

	// EventTime is the controlled fake time, used to make coalescing
	// timeout tests deterministic instead of racing a real timer: Update
	// advances the clock and fires any pending AfterFunc callback whose
	// deadline has passed.
	EventTime struct {
		mu     sync.Mutex
		now    int64
		timers []*eventTimer
	}

	eventTimer struct {
		owner    *EventTime
		deadline time.Time
		fn       func()
		fired    bool
		stopped  bool
	}
)

// NewSystemTimeSource returns a real wall clock time source.
func NewSystemTimeSource() *SystemTime {
	return &SystemTime{}
}

// Now returns the real current time.
func (ts *SystemTime) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (ts *SystemTime) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc schedules fn to run after d using a real timer.
func (ts *SystemTime) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// NewEventTimeSource returns a fake controlled time source.
func NewEventTimeSource() *EventTime {
	return &EventTime{}
}

// Now returns the fake current time.
func (ts *EventTime) Now() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return time.Unix(0, ts.now).UTC()
}

// Since returns the time elapsed since t, as measured by the fake clock.
func (ts *EventTime) Since(t time.Time) time.Duration {
	ts.mu.Lock()
	now := time.Unix(0, ts.now).UTC()
	ts.mu.Unlock()
	return now.Sub(t)
}

// AfterFunc schedules fn to run once the fake clock reaches d past its
// current value. fn is started on a goroutine of its own by a later Update
// that moves the clock to or past the deadline, and never otherwise, so
// callers fully control when it runs.
func (ts *EventTime) AfterFunc(d time.Duration, fn func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tm := &eventTimer{owner: ts, deadline: time.Unix(0, ts.now).UTC().Add(d), fn: fn}
	ts.timers = append(ts.timers, tm)
	return tm
}

// Stop cancels the timer if it hasn't fired yet.
func (tm *eventTimer) Stop() bool {
	tm.owner.mu.Lock()
	defer tm.owner.mu.Unlock()
	if tm.fired || tm.stopped {
		return false
	}
	tm.stopped = true
	return true
}

// Update sets the fake current time and fires, in goroutines of their own
// (matching time.AfterFunc's own async contract), every pending timer whose
// deadline is now at or in the past.
func (ts *EventTime) Update(now time.Time) *EventTime {
	ts.mu.Lock()
	ts.now = now.UnixNano()
	var ready []*eventTimer
	remaining := ts.timers[:0]
	for _, tm := range ts.timers {
		if tm.stopped || tm.fired {
			continue
		}
		if !now.Before(tm.deadline) {
			tm.fired = true
			ready = append(ready, tm)
			continue
		}
		remaining = append(remaining, tm)
	}
	ts.timers = remaining
	ts.mu.Unlock()

	for _, tm := range ready {
		go tm.fn()
	}
	return ts
}
