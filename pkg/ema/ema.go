// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package ema measures the time and energy spent in code regions.
//
// An EMA value is the process-lifetime context: backends are registered
// with it, Init starts them along with the overflow tracker, and every
// goroutine that measures asks it for its own region.Thread:
//
//	e := ema.New(ema.WithBackends(rapl), ema.WithOutputFile("output.EMA.{pid}"))
//	if err := e.Init(); err != nil { ... }
//	defer e.Finalize()
//
//	th := e.NewThread()
//	r, err := th.DefineHere("solve", device.ExcludeBackend("nvml"))
//	r.Begin()
//	solve()
//	r.End()
package ema

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/csv"
	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/stdout"
	"github.com/SerhiiYahdzhyiev/EMA/internal/overflow"
	"github.com/SerhiiYahdzhyiev/EMA/internal/registry"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/region"
)

var (
	ErrNotInitialized     = errors.New("ema not initialized")
	ErrAlreadyInitialized = errors.New("ema already initialized")
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateFinalized
)

// EMA ties the registry, the overflow tracker and the region directory
// together.
//
// Init order: register backends, run init hooks, initialize backends and
// their overflow state, start the tracker.
// Finalize order: stop the tracker, write results, finalize backends,
// finalize region stores.
type EMA struct {
	logger *slog.Logger
	opts   Opts

	registry *registry.Registry
	tracker  *overflow.Tracker
	dir      *region.Directory

	mu    sync.Mutex
	state state
}

// New creates a context. Nothing is started until Init.
func New(applyOpts ...OptionFn) *EMA {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	reg := registry.New(registry.WithLogger(opts.logger))
	return &EMA{
		logger:   opts.logger.With("service", "ema"),
		opts:     opts,
		registry: reg,
		tracker: overflow.NewTracker(
			overflow.WithLogger(opts.logger),
			overflow.WithClock(opts.clock),
		),
		dir: region.NewDirectory(reg,
			region.WithLogger(opts.logger),
			region.WithClock(opts.clock),
			region.WithMaxThreads(opts.maxThreads),
		),
	}
}

func (e *EMA) Name() string {
	return "ema"
}

// Register adds a backend. It fails once Init has run.
func (e *EMA) Register(b device.Backend) error {
	return e.registry.Register(b)
}

// Init registers the configured backends, runs the init hooks, initializes
// all backends and starts the overflow tracker. A backend that fails to
// initialize contributes no devices; a failing hook or tracker aborts Init.
func (e *EMA) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateNew {
		return ErrAlreadyInitialized
	}

	for _, b := range e.opts.backends {
		if err := e.registry.Register(b); err != nil {
			return err
		}
	}
	for i, hook := range e.opts.hooks {
		if err := hook(e); err != nil {
			return fmt.Errorf("init hook %d: %w", i, err)
		}
	}

	if err := e.registry.Init(); err != nil {
		return err
	}
	if err := e.tracker.Start(e.registry.Devices()); err != nil {
		return errors.Join(fmt.Errorf("starting overflow tracker: %w", err), e.registry.Finalize())
	}

	e.state = stateRunning
	e.logger.Info("EMA initialized",
		"backends", len(e.registry.Backends()),
		"devices", len(e.registry.Devices()),
		"poll-interval", e.tracker.Interval())
	return nil
}

// Devices returns the devices of all initialized backends
func (e *EMA) Devices() []*device.Device {
	return e.registry.Devices()
}

// Backends returns the backends that initialized successfully
func (e *EMA) Backends() []device.Backend {
	return e.registry.Backends()
}

// NewThread returns a region handle for the calling goroutine. A handle
// must not be shared between goroutines.
func (e *EMA) NewThread() *region.Thread {
	return e.dir.NewThread()
}

// WriteResults writes the results of all threads as CSV
func (e *EMA) WriteResults(w io.Writer) error {
	rows, err := csv.Rows(e.dir)
	if err != nil {
		return err
	}
	return csv.Write(w, rows)
}

// WriteTable writes the results of all threads as a table
func (e *EMA) WriteTable(w io.Writer) error {
	rows, err := csv.Rows(e.dir)
	if err != nil {
		return err
	}
	return stdout.WriteResults(w, rows)
}

// Finalize stops the tracker, writes the output file if one is configured,
// finalizes the backends and then the region stores. Every step runs even
// if an earlier one fails. Threads must have stopped measuring.
func (e *EMA) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateRunning {
		return ErrNotInitialized
	}
	e.state = stateFinalized

	var errs []error
	if err := e.tracker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping overflow tracker: %w", err))
	}

	if e.opts.outputFile != "" {
		path := csv.ExpandPath(e.opts.outputFile)
		rows, err := csv.Rows(e.dir)
		if err == nil {
			err = csv.WriteFile(path, rows)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("writing results to %s: %w", path, err))
		} else {
			e.logger.Info("Results written", "file", path, "rows", len(rows))
		}
	}

	if err := e.registry.Finalize(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dir.Finalize(); err != nil {
		errs = append(errs, fmt.Errorf("finalizing regions: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown finalizes a running context and is a no-op otherwise
func (e *EMA) Shutdown() error {
	e.mu.Lock()
	running := e.state == stateRunning
	e.mu.Unlock()

	if !running {
		return nil
	}
	return e.Finalize()
}
