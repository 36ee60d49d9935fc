// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

var (
	ErrInvalidBackend = errors.New("invalid backend")
	ErrInitialized    = errors.New("registry already initialized")
)

// Registry is the catalog of registered backends and the devices they
// expose. It owns backend and device lifetime.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	registered  []device.Backend
	active      []device.Backend
	devices     []*device.Device
	initialized bool
}

type Opts struct {
	logger *slog.Logger
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Registry
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// New creates an empty registry
func New(applyOpts ...OptionFn) *Registry {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Registry{
		logger: opts.logger.With("service", "registry"),
	}
}

// Register appends a backend. Backends are initialized and finalized in
// registration order.
func (r *Registry) Register(b device.Backend) error {
	if b == nil {
		return fmt.Errorf("%w: nil backend", ErrInvalidBackend)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return fmt.Errorf("register %s: %w", b.Name(), ErrInitialized)
	}
	for _, existing := range r.registered {
		if existing.Name() == b.Name() {
			return fmt.Errorf("%w: duplicate backend name %q", ErrInvalidBackend, b.Name())
		}
	}

	r.registered = append(r.registered, b)
	r.logger.Debug("Backend registered", "backend", b.Name())
	return nil
}

// Init initializes every registered backend. A backend that fails to
// initialize is left out along with its devices; the others still start.
// Each device of a started backend has its overflow state initialized, and
// devices whose first read fails are left out as well.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrInitialized
	}
	r.initialized = true

	for _, b := range r.registered {
		if err := b.Init(); err != nil {
			r.logger.Warn("Backend initialization failed; skipping", "backend", b.Name(), "error", err)
			continue
		}

		devices := b.Devices()
		usable := make([]*device.Device, 0, len(devices))
		for _, d := range devices {
			if err := d.InitOverflow(); err != nil {
				r.logger.Warn("Device unreadable; skipping", "backend", b.Name(), "device", d.Name(), "error", err)
				continue
			}
			usable = append(usable, d)
		}

		r.active = append(r.active, b)
		r.devices = append(r.devices, usable...)
		r.logger.Info("Backend initialized", "backend", b.Name(), "devices", len(usable))
	}

	r.logger.Info("Registry initialized",
		"backends", len(r.active),
		"registered", len(r.registered),
		"devices", len(r.devices))
	return nil
}

// Backends returns the backends that initialized successfully
func (r *Registry) Backends() []device.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.active)
}

// Registered returns every registered backend, initialized or not
func (r *Registry) Registered() []device.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.registered)
}

// Devices returns the flattened device list of all initialized backends.
// The slice must not be modified.
func (r *Registry) Devices() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices
}

// Finalize finalizes the initialized backends in registration order and
// drops all backends and devices. Every backend is finalized even if an
// earlier one fails.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		d.FinalizeOverflow()
	}

	var errs []error
	for _, b := range r.active {
		if err := b.Finalize(); err != nil {
			r.logger.Warn("Backend finalization failed", "backend", b.Name(), "error", err)
			errs = append(errs, fmt.Errorf("finalize %s: %w", b.Name(), err))
			continue
		}
		r.logger.Debug("Backend finalized", "backend", b.Name())
	}

	r.registered = nil
	r.active = nil
	r.devices = nil
	r.initialized = false
	return errors.Join(errs...)
}
