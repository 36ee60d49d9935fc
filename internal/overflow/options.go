// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package overflow

import (
	"log/slog"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger *slog.Logger
	clock  clock.WithTicker
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Tracker
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to pace polls
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}
