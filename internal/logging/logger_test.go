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

package logging

import (
	"os"
	"time"

	"github.com/kacheio/streamcache/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func ExampleInit() {
	_stderr := os.Stderr
	os.Stderr = os.Stdout

	location, _ := time.LoadLocation("UTC")
	time.Local = location

	zerolog.TimestampFunc = func() time.Time {
		return time.Unix(0, 0).UTC()
	}

	// no config should log console
	Init(nil)
	log.Info().Msg("test nil")

	// empty format should log console
	Init(&config.Log{Format: ""})
	log.Info().Msg("test empty")

	// common format should log console
	Init(&config.Log{Format: "common"})
	log.Info().Msg("test common")

	// json format should log json
	Init(&config.Log{Format: "json"})
	log.Info().Msg("test json")

	// info level should not log debug
	Init(&config.Log{Level: "info"})
	log.Info().Msg("test level info")
	log.Debug().Msg("test level info -- ignored")

	// debug level should add caller
	Init(&config.Log{Level: "debug"})
	log.Info().Msg("test level debug")

	// Output:
	// 1970-01-01T00:00:00Z INF test nil
	// 1970-01-01T00:00:00Z INF test empty
	// 1970-01-01T00:00:00Z INF test common
	// {"level":"info","time":"1970-01-01T00:00:00Z","message":"test json"}
	// 1970-01-01T00:00:00Z INF test level info
	// 1970-01-01T00:00:00Z INF logger_test.go:68 > test level debug

	os.Stderr = _stderr
}
