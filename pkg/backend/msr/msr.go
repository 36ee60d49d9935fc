// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package msr reads the RAPL energy status registers of Intel and AMD cpus
// through the msr driver at /dev/cpu/<n>/msr.
package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs/sysfs"
	"golang.org/x/sys/unix"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

const (
	Name = "msr"

	DefaultInterval = time.Second
)

type Vendor string

const (
	VendorAuto  Vendor = "auto"
	VendorIntel Vendor = "intel"
	VendorAMD   Vendor = "amd"
)

// registers holds the msr offsets of one vendor; zero means absent
type registers struct {
	powerUnit int64
	pkg       int64
	core      int64
	dram      int64
	// core counters are per physical core rather than per package
	perCore bool
}

var vendorRegisters = map[Vendor]registers{
	VendorIntel: {
		powerUnit: 0x606,
		pkg:       0x611,
		core:      0x639, // PP0
		dram:      0x619,
	},
	VendorAMD: {
		powerUnit: 0xC0010299,
		pkg:       0xC001029B,
		core:      0xC001029A,
		perCore:   true,
	},
}

type Opts struct {
	logger   *slog.Logger
	vendor   Vendor
	cores    bool
	interval time.Duration
	sysfs    string
	procfs   string
	devfs    string
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		vendor:   VendorAuto,
		interval: DefaultInterval,
		sysfs:    "/sys",
		procfs:   "/proc",
		devfs:    "/dev",
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithVendor selects the register layout; VendorAuto reads it from cpuinfo
func WithVendor(v Vendor) OptionFn {
	return func(o *Opts) {
		o.vendor = v
	}
}

// WithCores adds one device per physical core on cpus with per-core counters
func WithCores(enabled bool) OptionFn {
	return func(o *Opts) {
		o.cores = enabled
	}
}

// WithInterval sets how often the 32-bit counters are polled for wraps
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithHostPaths sets where sysfs, procfs and devfs are mounted
func WithHostPaths(sysfs, procfs, devfs string) OptionFn {
	return func(o *Opts) {
		o.sysfs = sysfs
		o.procfs = procfs
		o.devfs = devfs
	}
}

// Backend exposes the package, core and dram energy counters of each cpu
// package
type Backend struct {
	logger   *slog.Logger
	opts     Opts
	topology topologyReader
	vendorFn func() (Vendor, error)

	files   map[int]*os.File
	devices []*device.Device
}

var _ device.Backend = (*Backend)(nil)

func New(applyOpts ...OptionFn) *Backend {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	b := &Backend{
		logger: opts.logger.With("backend", Name),
		opts:   opts,
	}
	b.vendorFn = func() (Vendor, error) {
		return detectVendor(b.opts.procfs)
	}
	return b
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) vendor() (Vendor, error) {
	v := b.opts.vendor
	if v == "" || v == VendorAuto {
		detected, err := b.vendorFn()
		if err != nil {
			return "", fmt.Errorf("%w: %w", device.ErrNotSupported, err)
		}
		v = detected
	}
	if _, ok := vendorRegisters[v]; !ok {
		return "", fmt.Errorf("%w: unsupported vendor %q", device.ErrNotSupported, v)
	}
	return v, nil
}

func (b *Backend) Init() error {
	vendor, err := b.vendor()
	if err != nil {
		return err
	}
	regs := vendorRegisters[vendor]

	if b.topology == nil {
		fs, err := sysfs.NewFS(b.opts.sysfs)
		if err != nil {
			return fmt.Errorf("%w: %w", device.ErrNotSupported, err)
		}
		b.topology = sysfsTopology{fs: fs}
	}
	cpus, err := b.topology.CPUs()
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrNotSupported, err)
	}

	b.files = map[int]*os.File{}
	b.devices = nil
	for _, pkg := range layout(cpus) {
		if err := b.addPackage(vendor, regs, pkg); err != nil {
			b.logger.Warn("Skipping cpu package", "package", pkg.id, "error", err)
		}
	}

	if len(b.devices) == 0 {
		return errors.Join(
			fmt.Errorf("%w: no readable %s energy registers", device.ErrNotSupported, vendor),
			b.closeFiles(),
		)
	}
	b.logger.Info("MSR counters discovered", "vendor", vendor, "devices", len(b.devices))
	return nil
}

func (b *Backend) addPackage(vendor Vendor, regs registers, pkg packageLayout) error {
	f, err := b.open(pkg.leader)
	if err != nil {
		return err
	}
	unit, err := energyUnit(f, regs.powerUnit)
	if err != nil {
		return err
	}

	add := func(f *os.File, cpuID int, zone string, offset int64) {
		c := &msrCounter{file: f, cpu: cpuID, offset: offset, unit: unit, interval: b.opts.interval}
		if _, err := c.Energy(); err != nil {
			b.logger.Debug("MSR register not readable", "package", pkg.id, "zone", zone, "error", err)
			return
		}
		name := fmt.Sprintf("%s-%d.%s", vendor, pkg.id, zone)
		uid := uuid.NewSHA1(uuid.NameSpaceOID, []byte(Name+"/"+name)).String()
		typ := device.TypeCPU
		if zone == "dram" {
			typ = device.TypeDRAM
		}
		b.devices = append(b.devices, device.New(b, name, uid, typ, c))
	}

	add(f, pkg.leader, "package", regs.pkg)
	if !regs.perCore && regs.core != 0 {
		add(f, pkg.leader, "core", regs.core)
	}
	if regs.dram != 0 {
		add(f, pkg.leader, "dram", regs.dram)
	}

	if regs.perCore && b.opts.cores {
		for _, c := range pkg.cores {
			cf, err := b.open(c.cpu)
			if err != nil {
				b.logger.Debug("Skipping core", "package", pkg.id, "core", c.core, "error", err)
				continue
			}
			add(cf, c.cpu, fmt.Sprintf("core.%d", c.core), regs.core)
		}
	}
	return nil
}

// open returns the msr file of a cpu, opening it once
func (b *Backend) open(id int) (*os.File, error) {
	if f, ok := b.files[id]; ok {
		return f, nil
	}
	path := filepath.Join(b.opts.devfs, "cpu", fmt.Sprint(id), "msr")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrIO, err)
	}
	b.files[id] = f
	return f, nil
}

func (b *Backend) Devices() []*device.Device {
	return b.devices
}

func (b *Backend) Finalize() error {
	b.devices = nil
	return b.closeFiles()
}

func (b *Backend) closeFiles() error {
	var errs []error
	for id, f := range b.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: closing msr of cpu %d: %w", device.ErrIO, id, err))
		}
	}
	b.files = nil
	return errors.Join(errs...)
}

func readRegister(f *os.File, offset int64) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(int(f.Fd()), buf[:], offset)
	if err != nil {
		return 0, fmt.Errorf("%w: reading msr 0x%x: %w", device.ErrIO, offset, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: short read of msr 0x%x", device.ErrIO, offset)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// energyUnit returns microjoules per counter increment. The unit is
// 1/2^ESU joules with ESU in bits 12:8 of the power unit register.
func energyUnit(f *os.File, offset int64) (float64, error) {
	v, err := readRegister(f, offset)
	if err != nil {
		return 0, err
	}
	esu := (v >> 8) & 0x1F
	return float64(device.Joule) / float64(uint64(1)<<esu), nil
}

// msrCounter scales the low 32 bits of an energy status register
type msrCounter struct {
	file     *os.File
	cpu      int
	offset   int64
	unit     float64
	interval time.Duration
}

var _ device.Counter = (*msrCounter)(nil)

func (c *msrCounter) Energy() (device.Energy, error) {
	v, err := readRegister(c.file, c.offset)
	if err != nil {
		return 0, fmt.Errorf("cpu %d: %w", c.cpu, err)
	}
	return device.Energy(float64(uint32(v)) * c.unit), nil
}

func (c *msrCounter) MaxEnergy() device.Energy {
	return device.Energy(float64(uint64(1)<<32) * c.unit)
}

func (c *msrCounter) Interval() time.Duration {
	return c.interval
}
