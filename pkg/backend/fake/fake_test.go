// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

func TestInitCreatesDevices(t *testing.T) {
	b := New(WithDevices("package", "dram"), WithInterval(50*time.Millisecond))
	require.NoError(t, b.Init())

	devices := b.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "FAKE.package", devices[0].Name())
	assert.Equal(t, device.TypeCPU, devices[0].Type())
	assert.Equal(t, Name, devices[0].BackendName())
	assert.Equal(t, 50*time.Millisecond, devices[0].Interval())

	// uids are stable across instances
	again := New(WithDevices("package", "dram"))
	require.NoError(t, again.Init())
	assert.Equal(t, devices[0].UID(), again.Devices()[0].UID())
	assert.NotEqual(t, devices[0].UID(), devices[1].UID())

	require.NoError(t, b.Finalize())
	assert.Empty(t, b.Devices())
}

func TestDeterministicCounterWraps(t *testing.T) {
	b := New(WithDevices("package"), WithMaxEnergy(250), WithIncrement(100, 0))
	require.NoError(t, b.Init())
	d := b.Devices()[0]

	var raw []device.Energy
	for range 4 {
		e, err := d.RawEnergy()
		require.NoError(t, err)
		raw = append(raw, e)
	}
	assert.Equal(t, []device.Energy{100, 200, 50, 150}, raw)
}

func TestHandledEnergyAcrossWraps(t *testing.T) {
	b := New(WithDevices("package"), WithMaxEnergy(250), WithIncrement(100, 0))
	require.NoError(t, b.Init())
	d := b.Devices()[0]
	require.NoError(t, d.InitOverflow()) // reads 100

	for i := 1; i <= 5; i++ {
		require.NoError(t, d.Observe())
	}
	// five polls read 200, 50, 150, 0, 100
	e, err := d.HandledEnergy() // reads 200
	require.NoError(t, err)
	assert.Equal(t, device.Energy(2*250+200), e)
}

func TestInitRejectsZeroMax(t *testing.T) {
	assert.Error(t, New(WithMaxEnergy(0)).Init())
}
