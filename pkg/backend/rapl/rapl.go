// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package rapl exposes the Intel RAPL powercap zones found under sysfs as
// energy devices. Every package zone and each of its subzones becomes one
// device named CPU-<package>.<zone>.
package rapl

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/procfs/sysfs"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

const (
	Name = "rapl"

	// DefaultInterval is used when a package exposes no power constraint
	DefaultInterval = time.Second

	maxConstraints = 3
)

// zoneReader lists the powercap zones; replaced in tests
type zoneReader interface {
	Zones() ([]sysfs.RaplZone, error)
}

type sysfsZoneReader struct {
	fs sysfs.FS
}

func (r sysfsZoneReader) Zones() ([]sysfs.RaplZone, error) {
	zones, err := sysfs.GetRaplZones(r.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}
	return zones, nil
}

type Opts struct {
	logger     *slog.Logger
	zoneFilter []string
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

// WithZoneFilter sets zone names to include, e.g. package, core, dram.
// If empty, all zones are included
func WithZoneFilter(zones []string) OptionFn {
	return func(o *Opts) {
		o.zoneFilter = zones
	}
}

// Backend reads energy from the powercap sysfs interface
type Backend struct {
	logger     *slog.Logger
	reader     zoneReader
	zoneFilter map[string]bool
	devices    []*device.Device
}

var _ device.Backend = (*Backend)(nil)

// New creates a RAPL backend reading from the sysfs mounted at sysfsPath
func New(sysfsPath string, applyOpts ...OptionFn) (*Backend, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, err
	}

	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	b := &Backend{
		logger: opts.logger.With("backend", Name),
		reader: sysfsZoneReader{fs: fs},
	}
	if len(opts.zoneFilter) > 0 {
		b.zoneFilter = make(map[string]bool, len(opts.zoneFilter))
		for _, z := range opts.zoneFilter {
			b.zoneFilter[strings.ToLower(z)] = true
		}
	}
	return b, nil
}

func (b *Backend) Name() string {
	return Name
}

// packageZone is a top level intel-rapl:<n> zone
type packageZone struct {
	zone     sysfs.RaplZone
	id       int
	interval time.Duration
}

func (b *Backend) Init() error {
	zones, err := b.reader.Zones()
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrNotSupported, err)
	}

	// zones come back in directory order; sort by path so that every package
	// precedes its subzones
	zones = slices.Clone(zones)
	slices.SortFunc(zones, func(a, b sysfs.RaplZone) int {
		return strings.Compare(a.Path, b.Path)
	})

	packages := map[string]packageZone{}
	b.devices = nil
	for _, z := range zones {
		if !isStandardRaplPath(z.Path) {
			b.logger.Debug("Skipping non-standard RAPL zone", "path", z.Path)
			continue
		}

		base := filepath.Base(z.Path)
		parts := strings.Split(base, ":")
		switch len(parts) {
		case 2:
			id, ok := packageID(z)
			if !ok {
				b.logger.Debug("Skipping non-package RAPL zone", "zone", z.Name, "path", z.Path)
				continue
			}
			pkg := packageZone{zone: z, id: id, interval: updateInterval(z)}
			packages[base] = pkg
			b.addDevice(pkg, z, fmt.Sprintf("package-%d", id))

		case 3:
			pkg, ok := packages[parts[0]+":"+parts[1]]
			if !ok {
				continue
			}
			b.addDevice(pkg, z, z.Name)
		}
	}

	if len(b.devices) == 0 {
		return fmt.Errorf("%w: no readable RAPL zones found", device.ErrNotSupported)
	}
	b.logger.Info("RAPL zones discovered", "devices", len(b.devices))
	return nil
}

func (b *Backend) addDevice(pkg packageZone, z sysfs.RaplZone, zoneName string) {
	short := zoneName
	if strings.HasPrefix(short, "package") {
		short = "package"
	}
	if b.zoneFilter != nil && !b.zoneFilter[strings.ToLower(short)] {
		b.logger.Debug("Filtered RAPL zone", "zone", zoneName, "package", pkg.id)
		return
	}

	c := &zoneCounter{zone: z, interval: pkg.interval}
	if _, err := c.Energy(); err != nil {
		b.logger.Warn("RAPL zone is not readable", "path", z.Path, "error", err)
		return
	}

	name := fmt.Sprintf("CPU-%d.%s", pkg.id, zoneName)
	uid := uuid.NewSHA1(uuid.NameSpaceOID, []byte(Name+"/"+z.Path)).String()
	b.devices = append(b.devices, device.New(b, name, uid, zoneType(short), c))
}

func (b *Backend) Devices() []*device.Device {
	return b.devices
}

func (b *Backend) Finalize() error {
	b.devices = nil
	return nil
}

// isStandardRaplPath checks if a RAPL zone path is in the standard format
func isStandardRaplPath(path string) bool {
	return strings.Contains(path, "/intel-rapl:")
}

// packageID returns the package of a top level zone. Depending on the procfs
// version the name is either "package-N" or "package" with index N.
func packageID(z sysfs.RaplZone) (int, bool) {
	if z.Name == "package" {
		return z.Index, true
	}
	idx, ok := strings.CutPrefix(z.Name, "package-")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(idx)
	if err != nil {
		return 0, false
	}
	return id, true
}

func zoneType(short string) device.Type {
	if short == "dram" {
		return device.TypeDRAM
	}
	return device.TypeCPU
}

// updateInterval is the time the counter of a package needs to wrap at the
// highest power limit of the package
func updateInterval(z sysfs.RaplZone) time.Duration {
	var maxPower uint64
	for i := range maxConstraints {
		p, err := readUint(filepath.Join(z.Path, fmt.Sprintf("constraint_%d_max_power_uw", i)))
		if err != nil {
			continue
		}
		maxPower = max(maxPower, p)
	}
	if maxPower == 0 || z.MaxMicrojoules == 0 {
		return DefaultInterval
	}
	// µJ / µW
	return time.Duration(float64(z.MaxMicrojoules) / float64(maxPower) * float64(time.Second))
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// zoneCounter adapts a sysfs.RaplZone to device.Counter
type zoneCounter struct {
	zone     sysfs.RaplZone
	interval time.Duration
}

var _ device.Counter = (*zoneCounter)(nil)

func (c *zoneCounter) Energy() (device.Energy, error) {
	uj, err := c.zone.GetEnergyMicrojoules()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", device.ErrIO, c.zone.Path, err)
	}
	return device.Energy(uj) * device.MicroJoule, nil
}

func (c *zoneCounter) MaxEnergy() device.Energy {
	return device.Energy(c.zone.MaxMicrojoules) * device.MicroJoule
}

func (c *zoneCounter) Interval() time.Duration {
	return c.interval
}
