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

// Package reverseproxy wires the streaming cache filter into an
// httputil.ReverseProxy the same way the host application wires its own
// cache middleware onto the proxy transport.
package reverseproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/kacheio/streamcache/internal/config"
	"github.com/kacheio/streamcache/internal/events"
	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/pkg/coalesce"
	"github.com/kacheio/streamcache/pkg/directory"
	"github.com/kacheio/streamcache/pkg/filter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	eventQueueSize    = 1024
	eventQueueWorkers = 2
)

const (
	DefaultTimeout                = 30 * time.Second
	ServerGracefulShutdownTimeout = 5 * time.Second
)

// ErrMatchingTarget is the cause attached to the request context when no
// upstream target matches the incoming request.
var ErrMatchingTarget = fmt.Errorf("no matching target found")

// Server is the reverse proxy cache.
type Server struct {
	cfg *config.Configuration

	proxy *httputil.ReverseProxy

	listeners Listeners
	targets   Targets

	Directory   *directory.LruDirectory
	Coordinator *coalesce.Coordinator
	Events      *events.Queue
	transport   *filter.Glue

	stopCh chan bool
}

// NewServer creates a new configured server, wiring the streaming cache
// filter as the proxy's transport.
func NewServer(cfg *config.Configuration, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	srv := &Server{
		cfg:    cfg,
		stopCh: make(chan bool, 1),
	}

	targets, err := NewTargets(cfg.Upstreams)
	if err != nil {
		return nil, err
	}
	srv.targets = targets

	listeners, err := NewListeners(cfg.Listeners, srv)
	if err != nil {
		return nil, err
	}
	srv.listeners = listeners

	srv.Directory = directory.New(cfg.Cache.DirectoryCapacity, m)
	srv.Coordinator = coalesce.New(cfg.Cache.CoalesceTimeout, m)
	srv.Events = events.NewQueue(eventQueueSize, eventQueueWorkers)

	srv.transport = filter.New(
		http.DefaultTransport,
		srv.Directory,
		srv.Coordinator,
		cfg.Cache.RingBufferCapacity,
		m,
		logger,
		srv.Events,
	)

	srv.proxy = &httputil.ReverseProxy{
		ErrorHandler: errorHandler,
		Director:     srv.Director(),
		Transport:    srv.transport,
	}

	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.TimeoutHandler(
		s.proxy,
		DefaultTimeout,
		fmt.Sprintf("request timeout after %v", DefaultTimeout),
	).ServeHTTP(w, r)
}

func errorHandler(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, context.Canceled):
		ctx := req.Context()
		cErr := context.Cause(ctx)
		if errors.Is(cErr, ErrMatchingTarget) {
			status = http.StatusServiceUnavailable
			err = cErr
		} else {
			status = http.StatusBadGateway
		}
	case errors.Is(err, io.EOF):
		status = http.StatusBadGateway
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			status = http.StatusServiceUnavailable
		}
	}

	logger := log.Ctx(req.Context())
	logger.Debug().Err(err).Msgf("proxy error: status %d - %s", status, err.Error())

	w.WriteHeader(status)
	if _, wErr := w.Write([]byte(err.Error())); wErr != nil {
		logger.Debug().Err(wErr).Msg("error writing error")
	}
}

// ApplyConfig swaps in cfg's cache tunables on an already-running server.
// DirectoryCapacity and CoalesceTimeout take effect immediately.
// RingBufferCapacity only affects StreamingEntries created after this
// call returns; entries already in the directory keep the capacity their
// ring block queue was built with, since that queue's capacity is fixed
// at construction (see pkg/block.RingBlockQueue).
func (s *Server) ApplyConfig(cfg *config.Configuration) {
	s.cfg = cfg
	s.Directory.SetCapacity(cfg.Cache.DirectoryCapacity)
	s.Coordinator.SetTimeout(cfg.Cache.CoalesceTimeout)
	s.transport.SetRingBufferCapacity(cfg.Cache.RingBufferCapacity)
}

// Director matches the incoming request to a specific target and rewrites
// the request to be sent to it.
func (s *Server) Director() func(req *http.Request) {
	return func(req *http.Request) {
		target, ok := s.targets.MatchTarget(req)
		if !ok {
			log.Error().Str("request", req.URL.String()).Msg("no matching target found for request")
			ctx, cancel := context.WithCancelCause(req.Context())
			*req = *req.WithContext(ctx)
			cancel(ErrMatchingTarget)
			return
		}
		upstream := target.upstream

		req.URL.Scheme = upstream.Scheme
		req.URL.Host = upstream.Host
		req.URL.Path = singleJoiningSlash(upstream.Path, req.URL.Path)
		req.Host = req.URL.Host
		req.RequestURI = ""

		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "streamcache")
		}
	}
}

// Start starts the server's listeners and arranges for them to stop when
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		logger := log.Ctx(ctx)
		logger.Info().Msg("received shutdown signal")
		logger.Info().Msg("stopping server gracefully")
		s.Stop()
	}()

	log.Debug().Msg("starting server...")
	s.listeners.Start()
}

// Await blocks until Stop is called.
func (s *Server) Await() {
	<-s.stopCh
}

// Stop stops every listener.
func (s *Server) Stop() {
	defer log.Info().Msg("server stopped")
	s.listeners.Stop()
	s.stopCh <- true
}

// Shutdown is a deferred safety net after Start/Await: it stops the Events
// queue and closes stopCh, and panics if that takes longer than
// ServerGracefulShutdownTimeout. Listeners are stopped by Stop, not here.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), ServerGracefulShutdownTimeout)
	defer cancel()

	go func(ctx context.Context) {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			panic("shutdown timeout exceeded, killing streamcached instance")
		}
	}(ctx)

	if s.Events != nil {
		s.Events.Stop()
	}
	close(s.stopCh)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
