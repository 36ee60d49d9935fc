// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package fake provides a backend with synthetic energy counters. It is not
// intended for production use.
package fake

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

const Name = "fake"

var defaultDevices = []string{"package", "core", "dram"}

// counter advances by increment plus a random share of it on every read and
// wraps at max
type counter struct {
	mu           sync.Mutex
	energy       device.Energy
	max          device.Energy
	increment    device.Energy
	randomFactor float64
	interval     time.Duration
}

var _ device.Counter = (*counter)(nil)

func (c *counter) Energy() (device.Energy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	jitter := device.Energy(rand.Float64() * float64(c.increment) * c.randomFactor)
	c.energy = (c.energy + c.increment + jitter) % c.max
	return c.energy, nil
}

func (c *counter) MaxEnergy() device.Energy {
	return c.max
}

func (c *counter) Interval() time.Duration {
	return c.interval
}

type Opts struct {
	logger       *slog.Logger
	devices      []string
	maxEnergy    device.Energy
	increment    device.Energy
	randomFactor float64
	interval     time.Duration
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		devices:      defaultDevices,
		maxEnergy:    1_000_000,
		increment:    100,
		randomFactor: 0.5,
		interval:     time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDevices sets the device names; empty keeps the defaults
func WithDevices(names ...string) OptionFn {
	return func(o *Opts) {
		if len(names) > 0 {
			o.devices = names
		}
	}
}

// WithMaxEnergy sets the value at which counters wrap
func WithMaxEnergy(e device.Energy) OptionFn {
	return func(o *Opts) {
		o.maxEnergy = e
	}
}

// WithIncrement sets the per-read increment; a zero random factor makes the
// counters deterministic
func WithIncrement(e device.Energy, randomFactor float64) OptionFn {
	return func(o *Opts) {
		o.increment = e
		o.randomFactor = randomFactor
	}
}

func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// Backend exposes one synthetic cpu device per configured name
type Backend struct {
	logger  *slog.Logger
	opts    Opts
	devices []*device.Device
}

var _ device.Backend = (*Backend)(nil)

func New(applyOpts ...OptionFn) *Backend {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Backend{
		logger: opts.logger.With("backend", Name),
		opts:   opts,
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Init() error {
	if b.opts.maxEnergy == 0 {
		return fmt.Errorf("fake backend: max energy must be positive")
	}

	b.devices = make([]*device.Device, 0, len(b.opts.devices))
	for _, name := range b.opts.devices {
		c := &counter{
			max:          b.opts.maxEnergy,
			increment:    b.opts.increment,
			randomFactor: b.opts.randomFactor,
			interval:     b.opts.interval,
		}
		uid := uuid.NewSHA1(uuid.NameSpaceOID, []byte(Name+"/"+name)).String()
		b.devices = append(b.devices, device.New(b, "FAKE."+name, uid, device.TypeCPU, c))
	}
	b.logger.Warn("Using fake energy counters", "devices", len(b.devices))
	return nil
}

func (b *Backend) Devices() []*device.Device {
	return b.devices
}

func (b *Backend) Finalize() error {
	b.devices = nil
	return nil
}
