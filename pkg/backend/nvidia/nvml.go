// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package nvidia exposes NVIDIA GPUs as energy devices through NVML.
package nvidia

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

const Name = "nvml"

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

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// Backend reads the total energy consumption counter of every GPU
type Backend struct {
	logger *slog.Logger
	lib    nvmlLib

	mu          sync.Mutex
	initialized bool
	devices     []*device.Device
}

var _ device.Backend = (*Backend)(nil)

func New(applyOpts ...OptionFn) *Backend {
	return newWithLib(newRealNvmlLib(), applyOpts...)
}

func newWithLib(lib nvmlLib, applyOpts ...OptionFn) *Backend {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Backend{
		logger: opts.logger.With("backend", Name),
		lib:    lib,
	}
}

func (b *Backend) Name() string {
	return Name
}

// Init initializes the NVML library and discovers all GPU devices
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	if ret := b.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("%w: NVML init failed: %s", device.ErrNotSupported, b.lib.ErrorString(ret))
	}

	count, ret := b.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = b.lib.Shutdown()
		return fmt.Errorf("%w: failed to get device count: %s", device.ErrIO, b.lib.ErrorString(ret))
	}

	devices := make([]*device.Device, 0, count)
	for i := range count {
		handle, ret := b.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			b.logger.Warn("failed to get device handle", "index", i, "error", b.lib.ErrorString(ret))
			continue
		}

		name, ret := handle.GetName()
		if ret != nvml.SUCCESS {
			b.logger.Warn("failed to get device name", "index", i, "error", b.lib.ErrorString(ret))
			continue
		}

		uuid, ret := handle.GetUUID()
		if ret != nvml.SUCCESS {
			b.logger.Warn("failed to get device uuid", "index", i, "error", b.lib.ErrorString(ret))
			continue
		}

		c := &gpuCounter{lib: b.lib, handle: handle, index: i}
		devices = append(devices, device.New(b, name, uuid, device.TypeGPU, c))
		b.logger.Debug("discovered GPU", "index", i, "name", name, "uuid", uuid)
	}

	if len(devices) == 0 {
		_ = b.lib.Shutdown()
		return fmt.Errorf("%w: no NVIDIA GPUs found", device.ErrNotSupported)
	}

	b.devices = devices
	b.initialized = true
	b.logger.Info("NVML initialized", "devices", len(devices))
	return nil
}

func (b *Backend) Devices() []*device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices
}

// Finalize shuts down the NVML library
func (b *Backend) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	b.initialized = false
	b.devices = nil

	if ret := b.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("%w: NVML shutdown failed: %s", device.ErrIO, b.lib.ErrorString(ret))
	}
	return nil
}

// gpuCounter reads the 64-bit millijoule counter of one GPU. It does not wrap
// in practice so it is never polled.
type gpuCounter struct {
	lib    nvmlLib
	handle nvmlDeviceHandle
	index  int
}

var _ device.Counter = (*gpuCounter)(nil)

func (c *gpuCounter) Energy() (device.Energy, error) {
	mj, ret := c.handle.GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%w: failed to get energy of GPU %d: %s", device.ErrIO, c.index, c.lib.ErrorString(ret))
	}
	return device.Energy(mj) * device.MilliJoule, nil
}

func (c *gpuCounter) MaxEnergy() device.Energy {
	return math.MaxUint64
}

func (c *gpuCounter) Interval() time.Duration {
	return 0
}
