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

package reverseproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kacheio/streamcache/internal/config"
	"github.com/rs/zerolog/log"
)

// Listeners holds a map of Listeners, keyed by the name given in config.
type Listeners map[string]*Listener

// NewListeners creates new listeners from config, all routed to handler.
func NewListeners(cfg config.Listeners, handler http.Handler) (Listeners, error) {
	listeners := make(Listeners)
	for name, l := range cfg {
		ctx := log.With().Str("listenerName", name).Logger().WithContext(context.Background())

		ln, err := NewListener(ctx, l, handler)
		if err != nil {
			return nil, err
		}
		listeners[name] = ln
	}
	return listeners, nil
}

// Start starts every listener in its own goroutine.
func (ls Listeners) Start() {
	for name, l := range ls {
		ctx := log.With().Str("listenerName", name).Logger().WithContext(context.Background())
		go l.Start(ctx)
	}
}

// Stop shuts down every listener, waiting for all to finish.
func (ls Listeners) Stop() {
	var wg sync.WaitGroup

	for name, l := range ls {
		wg.Add(1)
		go func(listenerName string, l *Listener) {
			defer wg.Done()

			logger := log.With().Str("listenerName", listenerName).Logger()
			l.Shutdown(logger.WithContext(context.Background()))
			logger.Debug().Msg("listener stopped")
		}(name, l)
	}

	wg.Wait()
}

// Listener wraps a single bound net.Listener and the http.Server serving it.
type Listener struct {
	listener   net.Listener
	httpServer *http.Server
}

// NewListener binds cfg.Addr and builds a server for it.
func NewListener(ctx context.Context, cfg *config.Listener, handler http.Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("error building listener: %w", err)
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Listener{listener: ln, httpServer: srv}, nil
}

// Start serves until the listener is closed.
func (l *Listener) Start(ctx context.Context) {
	logger := log.Ctx(ctx)
	logger.Debug().Msgf("start listening on %v", l.listener.Addr())
	if err := l.httpServer.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("error while starting the listener server")
	}
}

// Shutdown gracefully stops the listener, force-closing if the deadline
// passes first.
func (l *Listener) Shutdown(ctx context.Context) {
	logger := log.Ctx(ctx)

	timeout := 5 * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Debug().Msgf("waiting up to %s before closing listener", timeout)

	if err := l.httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down listener server, forcing close")
		if err := l.httpServer.Close(); err != nil {
			logger.Error().Err(err).Send()
		}
	}
}
