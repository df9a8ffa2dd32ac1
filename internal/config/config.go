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
	"errors"
	"time"
)

var (
	errInvalidListenersConfig = errors.New("invalid listeners config")
	errInvalidUpstreamsConfig = errors.New("invalid upstreams config")
)

// Configuration is the root configuration.
type Configuration struct {
	Listeners Listeners `yaml:"listeners"`
	Upstreams Upstreams `yaml:"upstreams"`

	Cache *CacheConfig `yaml:"cache"`

	API *API `yaml:"api"`
	Log *Log `yaml:"logging"`
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	return errors.Join(
		c.Listeners.Validate(),
		c.Upstreams.Validate(),
		c.Cache.Validate(),
	)
}

// Listeners holds the listener configs.
type Listeners map[string]*Listener

// Listener holds the listener config.
type Listener struct {
	Addr string `yaml:"addr"`
}

// Validate validates the listener config.
func (l Listeners) Validate() error {
	if len(l) < 1 {
		return errInvalidListenersConfig
	}
	return nil
}

// Upstreams holds the upstream configs.
type Upstreams []*Upstream

// Upstream holds the upstream target config.
type Upstream struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Validate validates the upstream config.
func (u Upstreams) Validate() error {
	if len(u) < 1 {
		return errInvalidUpstreamsConfig
	}
	return nil
}

// CacheConfig holds the tuning knobs for the streaming cache core: how
// many blocks each ring buffer queue holds, how many directory entries it
// keeps resident, and how long a coalescing waiter waits for its leader.
type CacheConfig struct {
	// RingBufferCapacity is the number of blocks (C) every ring block
	// queue holds before a section starts a fresh queue.
	RingBufferCapacity uint32 `yaml:"ring_buffer_capacity"`

	// DirectoryCapacity is the maximum number of entries the LRU directory
	// retains before evicting the least recently used.
	DirectoryCapacity int `yaml:"directory_capacity"`

	// CoalesceTimeout bounds how long a waiter will wait for its leader to
	// publish or abort before giving up.
	CoalesceTimeout time.Duration `yaml:"coalesce_timeout"`
}

// Validate validates the cache config, filling in defaults for anything
// left unset.
func (c *CacheConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.RingBufferCapacity == 0 {
		c.RingBufferCapacity = 64
	}
	if c.DirectoryCapacity == 0 {
		c.DirectoryCapacity = 10_000
	}
	if c.CoalesceTimeout == 0 {
		c.CoalesceTimeout = 30 * time.Second
	}
	return nil
}

// API holds the admin API configuration.
type API struct {
	Port   int    `yaml:"port"`
	Prefix string `yaml:"prefix,omitempty"`
	ACL    string `yaml:"acl,omitempty"`
	Debug  bool   `yaml:"debug,omitempty"`
}

// GetPrefix returns the API prefix as specified
// in the configuration. Default prefix is '/api'.
func (a *API) GetPrefix() string {
	prefix := "/api"
	if len(a.Prefix) > 0 {
		prefix = a.Prefix
	}
	return prefix
}

// Log holds the logger configuration.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Color  bool   `yaml:"color,omitempty"`

	File       string `yaml:"file,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxAge     int    `yaml:"max_age,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}
