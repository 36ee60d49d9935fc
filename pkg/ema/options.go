// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/region"
)

// InitHook runs during Init after the configured backends are registered and
// before they are initialized. It may register more backends.
type InitHook func(*EMA) error

type Opts struct {
	logger     *slog.Logger
	clock      clock.WithTicker
	maxThreads int
	outputFile string
	backends   []device.Backend
	hooks      []InitHook
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		clock:      clock.RealClock{},
		maxThreads: region.DefaultMaxThreads,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for polling and region timing
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxThreads sets how many threads may define regions
func WithMaxThreads(n int) OptionFn {
	return func(o *Opts) {
		o.maxThreads = n
	}
}

// WithOutputFile makes Finalize write the results to path. A {pid}
// placeholder is replaced with the process id; empty disables the file.
func WithOutputFile(path string) OptionFn {
	return func(o *Opts) {
		o.outputFile = path
	}
}

// WithBackends registers backends during Init, in the given order
func WithBackends(backends ...device.Backend) OptionFn {
	return func(o *Opts) {
		o.backends = append(o.backends, backends...)
	}
}

// WithInitHook adds a hook run by Init; hooks run in the order added
func WithInitHook(h InitHook) OptionFn {
	return func(o *Opts) {
		o.hooks = append(o.hooks, h)
	}
}
