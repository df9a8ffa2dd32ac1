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

package config

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Loader loads a configuration from file, with optional polling reload.
type Loader struct {
	path string

	watch         bool
	watchInterval time.Duration

	config     atomic.Pointer[Configuration]
	configHash []byte

	Events chan bool
	done   chan struct{}
}

// NewLoader creates a new config Loader and performs the initial load.
func NewLoader(path string, watch bool, interval time.Duration) (*Loader, error) {
	ldr := &Loader{
		path:          path,
		watch:         watch,
		watchInterval: interval,
		Events:        make(chan bool),
		done:          make(chan struct{}),
	}
	if _, err := ldr.Load(context.Background()); err != nil {
		return nil, err
	}
	return ldr, nil
}

// Load reads the YAML-formatted config. Returns false if the file's
// content hash is unchanged since the last successful load.
func (l *Loader) Load(ctx context.Context) (bool, error) {
	buf, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}

	sum := md5.Sum(buf)
	hash := sum[:]
	if bytes.Equal(l.configHash, hash) {
		return false, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	cfg := &Configuration{}
	if err := dec.Decode(cfg); err != nil {
		return false, err
	}
	if err := cfg.Cache.Validate(); err != nil {
		return false, err
	}

	if prev := l.config.Load(); prev != nil {
		logCacheConfigDiff(prev.Cache, cfg.Cache)
	}
	l.configHash = hash
	l.config.Store(cfg)

	return true, nil
}

// logCacheConfigDiff logs which CacheConfig tuning knobs actually changed
// across a reload, so an operator watching the logs can tell a no-op
// reload (only an unrelated section of the file changed) from one that
// resized the directory, re-timed coalescing, or resized future ring
// block queues.
func logCacheConfigDiff(prev, next *CacheConfig) {
	if prev.DirectoryCapacity != next.DirectoryCapacity {
		log.Info().
			Int("previous", prev.DirectoryCapacity).
			Int("current", next.DirectoryCapacity).
			Msg("directory capacity changed")
	}
	if prev.CoalesceTimeout != next.CoalesceTimeout {
		log.Info().
			Dur("previous", prev.CoalesceTimeout).
			Dur("current", next.CoalesceTimeout).
			Msg("coalesce timeout changed")
	}
	if prev.RingBufferCapacity != next.RingBufferCapacity {
		log.Info().
			Uint32("previous", prev.RingBufferCapacity).
			Uint32("current", next.RingBufferCapacity).
			Msg("ring buffer capacity changed, applies to entries created from now on")
	}
}

// Config returns the loaded config.
func (l *Loader) Config() *Configuration {
	return l.config.Load()
}

// Path returns the file path.
func (l *Loader) Path() string {
	return l.path
}

// Checksum returns the calculated checksum of the config.
func (l *Loader) Checksum() string {
	return hex.EncodeToString(l.configHash)
}

// AutoReload returns true if auto-reloading is enabled.
func (l *Loader) AutoReload() bool {
	return l.watch
}

// Watch watches and reloads the config file if changed.
func (l *Loader) Watch(ctx context.Context) error {
	if _, err := l.Load(ctx); err != nil {
		return err
	}
	go func() {
		tick := time.NewTicker(l.watchInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}

			changed, err := l.Load(ctx)
			if err != nil {
				log.Error().Err(err).Msg("error reloading config file")
			}
			if changed {
				l.notifyChange()
			}
		}
	}()
	return nil
}

// Close closes the done channel, releasing any pending change notification.
// The Events channel itself is not closed.
func (l *Loader) Close() {
	close(l.done)
}

// notifyChange sends to the Events channel.
func (l *Loader) notifyChange() bool {
	select {
	case l.Events <- true:
		return true
	case <-l.done:
	}
	return false
}

// DumpYaml dumps the config to stdout.
func DumpYaml(cfg *Configuration) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Println("error dumping config:", err)
		return
	}
	fmt.Println(string(out))
}
