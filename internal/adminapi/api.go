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

// Package adminapi is the operator-facing HTTP surface: version info,
// Go runtime debug routes, and read-only introspection into the cache
// directory and in-flight coalescing groups.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kacheio/streamcache/internal/config"
	"github.com/kacheio/streamcache/internal/version"
	"github.com/kacheio/streamcache/pkg/coalesce"
	"github.com/kacheio/streamcache/pkg/directory"
	"github.com/rs/zerolog/log"
)

// API is the admin HTTP surface.
type API struct {
	config config.API
	router *mux.Router
	filter *IPFilter
}

// New creates the admin API and registers its fixed routes (version,
// optionally debug). Call RegisterCache to add cache introspection routes
// once the cache core is constructed.
func New(cfg config.API) (*API, error) {
	filter, err := NewIPFilter(cfg.ACL)
	if err != nil {
		return nil, err
	}

	a := &API{
		config: cfg,
		router: mux.NewRouter(),
		filter: filter,
	}
	a.RegisterRoute(http.MethodGet, cfg.GetPrefix()+"/version", version.Handler)

	if cfg.Debug {
		DebugHandler{}.Append(a.router)
	}

	return a, nil
}

// RegisterRoute registers a new IP-filtered handler at path for method.
func (a *API) RegisterRoute(method, path string, handler http.HandlerFunc) {
	a.router.Methods(method).Path(path).HandlerFunc(a.filter.Wrap(handler))
}

// RegisterCache wires read-only cache introspection routes against dir and
// coord: the resident directory's keys (most-recently-used first) and the
// fingerprints currently in flight under the coalescing coordinator.
func (a *API) RegisterCache(dir *directory.LruDirectory, coord *coalesce.Coordinator) {
	a.RegisterRoute(http.MethodGet, a.config.GetPrefix()+"/cache/keys", func(w http.ResponseWriter, r *http.Request) {
		keys := dir.Keys()
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.String())
		}
		writeJSON(w, out)
	})

	a.RegisterRoute(http.MethodGet, a.config.GetPrefix()+"/cache/inflight", func(w http.ResponseWriter, r *http.Request) {
		keys := coord.InFlight()
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.String())
		}
		writeJSON(w, out)
	})
}

// Run starts the admin API's HTTP listener. Blocks until the server exits.
func (a *API) Run() {
	addr := fmt.Sprintf(":%d", a.config.Port)
	log.Debug().Str("addr", addr).Str("prefix", a.config.GetPrefix()).Msg("starting admin API server")
	if err := http.ListenAndServe(addr, a); err != nil {
		log.Fatal().Err(err).Msg("admin API server failed")
	}
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
