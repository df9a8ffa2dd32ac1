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

// Package app assembles the admin API, the reverse proxy, and the cache
// core into a single runnable instance, and owns its lifecycle.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kacheio/streamcache/internal/adminapi"
	"github.com/kacheio/streamcache/internal/config"
	"github.com/kacheio/streamcache/internal/metrics"
	"github.com/kacheio/streamcache/internal/reverseproxy"
	"github.com/kacheio/streamcache/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App is the root data structure wiring config, the admin API, and the
// reverse proxy server together.
type App struct {
	Config *config.Configuration
	loader *config.Loader

	Registerer prometheus.Registerer

	API    *adminapi.API
	Server *reverseproxy.Server
}

// New builds an App from a loaded config.
func New(loader *config.Loader, registerer prometheus.Registerer) (*App, error) {
	a := &App{
		loader:     loader,
		Config:     loader.Config(),
		Registerer: registerer,
	}

	if err := a.setupModules(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) initServer() error {
	m := metrics.New(a.Registerer)
	srv, err := reverseproxy.NewServer(a.Config, m, zerolog.New(os.Stderr))
	if err != nil {
		return err
	}
	a.Server = srv
	return nil
}

func (a *App) initAPI() error {
	if a.Config.API == nil {
		return nil
	}
	api, err := adminapi.New(*a.Config.API)
	if err != nil {
		return err
	}
	api.RegisterCache(a.Server.Directory, a.Server.Coordinator)
	a.API = api
	return nil
}

func (a *App) setupModules() error {
	type initFn func() error
	modules := [...]struct {
		Name string
		Init initFn
	}{
		{"Server", a.initServer},
		{"API", a.initAPI},
	}

	for _, m := range modules {
		log.Debug().Msgf("initializing %s", m.Name)
		if err := m.Init(); err != nil {
			return err
		}
	}
	return nil
}

// reloadConfig reloads the config from disk, triggered by SIGHUP.
func (a *App) reloadConfig(ctx context.Context) error {
	reloaded, err := a.loader.Load(ctx)
	if err != nil {
		return err
	}
	if !reloaded {
		log.Info().Msg("config not reloaded, no changes detected")
		return nil
	}
	a.Config = a.loader.Config()
	a.Server.ApplyConfig(a.Config)
	log.Info().Msg("config reloaded")
	return nil
}

// Run starts the app and its services, blocking until shutdown.
func (a *App) Run() error {
	if a.loader.AutoReload() {
		if err := a.loader.Watch(context.Background()); err != nil {
			return err
		}
		defer a.loader.Close()
		go func() {
			for changed := range a.loader.Events {
				if !changed {
					continue
				}
				log.Info().Msg("config file changed, reloading")
				a.Config = a.loader.Config()
				a.Server.ApplyConfig(a.Config)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case s := <-signals:
				if s == syscall.SIGHUP {
					log.Info().Msg("received SIGHUP, reloading config")
					if err := a.reloadConfig(context.Background()); err != nil {
						log.Error().Err(err).Msg("error reloading config")
					}
				}
			case <-stop:
				return
			}
		}
	}()

	if a.API != nil {
		go a.API.Run()
	}

	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a.Server.Start(ctx)
	defer a.Server.Shutdown()

	time.Sleep(120 * time.Millisecond)
	log.Info().Str("version", version.Info()).Msg("streamcached just started")

	a.Server.Await()

	log.Info().Msg("shutting down")
	return nil
}
