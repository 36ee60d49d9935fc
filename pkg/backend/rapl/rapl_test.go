// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/procfs/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

type zoneFixture struct {
	dir   string
	files map[string]string
}

// writeSysfs creates a sysfs tree with the given powercap zones and returns
// its root
func writeSysfs(t *testing.T, zones ...zoneFixture) string {
	t.Helper()
	root := t.TempDir()
	powercap := filepath.Join(root, "class", "powercap")
	require.NoError(t, os.MkdirAll(powercap, 0o755))

	for _, z := range zones {
		dir := filepath.Join(powercap, z.dir)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for name, content := range z.files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644))
		}
	}
	return root
}

func standardZones() []zoneFixture {
	return []zoneFixture{{
		dir: "intel-rapl:0",
		files: map[string]string{
			"name":                      "package-0",
			"max_energy_range_uj":       "60000000",
			"energy_uj":                 "1000",
			"constraint_0_max_power_uw": "10000000",
			"constraint_1_max_power_uw": "20000000",
		},
	}, {
		dir: "intel-rapl:0:0",
		files: map[string]string{
			"name":                "core",
			"max_energy_range_uj": "60000000",
			"energy_uj":           "500",
		},
	}, {
		dir: "intel-rapl:0:1",
		files: map[string]string{
			"name":                "dram",
			"max_energy_range_uj": "60000000",
			"energy_uj":           "200",
		},
	}, {
		dir: "intel-rapl:1",
		files: map[string]string{
			"name":                "psys",
			"max_energy_range_uj": "60000000",
			"energy_uj":           "7",
		},
	}}
}

func deviceNames(devices []*device.Device) []string {
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name())
	}
	return names
}

func TestInitDiscoversPackagesAndSubzones(t *testing.T) {
	b, err := New(writeSysfs(t, standardZones()...))
	require.NoError(t, err)
	require.NoError(t, b.Init())

	devices := b.Devices()
	assert.Equal(t, []string{"CPU-0.package-0", "CPU-0.core", "CPU-0.dram"}, deviceNames(devices))

	pkg := devices[0]
	assert.Equal(t, Name, pkg.BackendName())
	assert.Equal(t, device.TypeCPU, pkg.Type())
	assert.Equal(t, device.TypeDRAM, devices[2].Type())
	assert.Equal(t, 60*device.Joule, pkg.MaxEnergy())

	// 60 J at the highest limit of 20 W
	for _, d := range devices {
		assert.Equal(t, 3*time.Second, d.Interval(), d.Name())
	}

	e, err := pkg.RawEnergy()
	require.NoError(t, err)
	assert.Equal(t, device.Energy(1000), e)

	e, err = devices[1].RawEnergy()
	require.NoError(t, err)
	assert.Equal(t, device.Energy(500), e)

	require.NoError(t, b.Finalize())
	assert.Empty(t, b.Devices())
}

func TestStableUIDs(t *testing.T) {
	root := writeSysfs(t, standardZones()...)

	first, err := New(root)
	require.NoError(t, err)
	require.NoError(t, first.Init())

	second, err := New(root)
	require.NoError(t, err)
	require.NoError(t, second.Init())

	for i, d := range first.Devices() {
		assert.Equal(t, d.UID(), second.Devices()[i].UID())
	}
	assert.NotEqual(t, first.Devices()[0].UID(), first.Devices()[1].UID())
}

func TestZoneFilter(t *testing.T) {
	tt := []struct {
		name   string
		filter []string
		want   []string
	}{
		{"no filter", nil, []string{"CPU-0.package-0", "CPU-0.core", "CPU-0.dram"}},
		{"package only", []string{"Package"}, []string{"CPU-0.package-0"}},
		{"subzones", []string{"core", "dram"}, []string{"CPU-0.core", "CPU-0.dram"}},
	}

	root := writeSysfs(t, standardZones()...)
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(root, WithZoneFilter(tc.filter))
			require.NoError(t, err)
			require.NoError(t, b.Init())
			assert.Equal(t, tc.want, deviceNames(b.Devices()))
		})
	}
}

func TestUnreadableZoneIsSkipped(t *testing.T) {
	zones := standardZones()
	delete(zones[2].files, "energy_uj")

	b, err := New(writeSysfs(t, zones...))
	require.NoError(t, err)
	require.NoError(t, b.Init())
	assert.Equal(t, []string{"CPU-0.package-0", "CPU-0.core"}, deviceNames(b.Devices()))
}

func TestIntervalFallback(t *testing.T) {
	b, err := New(writeSysfs(t, zoneFixture{
		dir: "intel-rapl:1",
		files: map[string]string{
			"name":                "package-1",
			"max_energy_range_uj": "60000000",
			"energy_uj":           "1",
		},
	}))
	require.NoError(t, err)
	require.NoError(t, b.Init())

	require.Len(t, b.Devices(), 1)
	assert.Equal(t, "CPU-1.package-1", b.Devices()[0].Name())
	assert.Equal(t, DefaultInterval, b.Devices()[0].Interval())
}

func TestInitErrors(t *testing.T) {
	t.Run("no zones", func(t *testing.T) {
		b, err := New(writeSysfs(t))
		require.NoError(t, err)
		assert.ErrorIs(t, b.Init(), device.ErrNotSupported)
	})

	t.Run("no powercap", func(t *testing.T) {
		b, err := New(t.TempDir())
		require.NoError(t, err)
		assert.ErrorIs(t, b.Init(), device.ErrNotSupported)
	})

	t.Run("reader failure", func(t *testing.T) {
		b, err := New(t.TempDir())
		require.NoError(t, err)
		b.reader = failingReader{}
		assert.ErrorIs(t, b.Init(), device.ErrNotSupported)
	})
}

type failingReader struct{}

func (failingReader) Zones() ([]sysfs.RaplZone, error) {
	return nil, errors.New("boom")
}

func TestNonStandardZonesAreSkipped(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	root := writeSysfs(t, standardZones()[0])
	zones, err := sysfsZoneReader{fs: mustFS(t, root)}.Zones()
	require.NoError(t, err)
	require.Len(t, zones, 1)

	mmio := zones[0]
	mmio.Path = filepath.Join(filepath.Dir(mmio.Path), "intel-rapl-mmio:0")
	b.reader = staticReader{zones: []sysfs.RaplZone{mmio, zones[0]}}

	require.NoError(t, b.Init())
	require.Len(t, b.Devices(), 1)
	assert.Equal(t, "CPU-0.package-0", b.Devices()[0].Name())
}

type staticReader struct {
	zones []sysfs.RaplZone
}

func (r staticReader) Zones() ([]sysfs.RaplZone, error) {
	return r.zones, nil
}

func mustFS(t *testing.T, root string) sysfs.FS {
	t.Helper()
	fs, err := sysfs.NewFS(root)
	require.NoError(t, err)
	return fs
}

func TestPackageID(t *testing.T) {
	tt := []struct {
		zone sysfs.RaplZone
		id   int
		ok   bool
	}{
		{sysfs.RaplZone{Name: "package", Index: 2}, 2, true},
		{sysfs.RaplZone{Name: "package-1"}, 1, true},
		{sysfs.RaplZone{Name: "package-x"}, 0, false},
		{sysfs.RaplZone{Name: "psys"}, 0, false},
	}
	for _, tc := range tt {
		t.Run(tc.zone.Name, func(t *testing.T) {
			id, ok := packageID(tc.zone)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.id, id)
		})
	}
}
