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

// Package events dispatches side-effect work (mostly structured log lines
// describing directory/coalescing activity) off the request-serving path,
// so a slow log sink never adds latency to a cache hit or miss.
package events

import (
	"errors"
	"sync"
)

var errQueueFull = errors.New("events: queue is full")

// Queue is a bounded, fixed-worker-pool job queue. Dispatch never blocks:
// a full queue simply drops the event, since losing an audit log line is
// preferable to a request stalling on it.
type Queue struct {
	jobCh  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a queue with the given channel depth and worker count,
// and starts the workers.
func NewQueue(size, workers int) *Queue {
	q := &Queue{
		jobCh:  make(chan func(), size),
		stopCh: make(chan struct{}),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.listen()
	}
	return q
}

// Dispatch enqueues job for asynchronous execution. Returns errQueueFull
// instead of blocking if every slot is taken.
func (q *Queue) Dispatch(job func()) error {
	select {
	case q.jobCh <- job:
		return nil
	default:
		return errQueueFull
	}
}

// Stop signals the workers to exit and waits for them. A job a worker is
// already running completes; jobs still queued are not run, and Dispatch
// after Stop still enqueues into the buffer with no worker to run them.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Queue) listen() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobCh:
			job()
		case <-q.stopCh:
			return
		}
	}
}
