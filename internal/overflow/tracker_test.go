// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package overflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device/devicetest"
)

func initDevices(t *testing.T, b *devicetest.MockBackend) []*device.Device {
	t.Helper()
	require.NoError(t, b.Init())
	for _, d := range b.Devices() {
		require.NoError(t, d.InitOverflow())
	}
	return b.Devices()
}

// stepAndWait advances the fake clock once the poll loop is waiting on it
// and returns after the loop has read the counter.
func stepAndWait(t *testing.T, fc *testingclock.FakeClock, c *devicetest.MockCounter, d time.Duration) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	before := c.Reads()
	fc.Step(d)
	require.Eventually(t, func() bool { return c.Reads() > before }, time.Second, time.Millisecond)
}

func TestMinInterval(t *testing.T) {
	tt := []struct {
		name      string
		intervals []time.Duration
		want      time.Duration
	}{
		{"no devices", nil, 0},
		{"all zero", []time.Duration{0, 0}, 0},
		{"zero ignored", []time.Duration{0, 50 * time.Millisecond, 20 * time.Millisecond}, 20 * time.Millisecond},
		{"single", []time.Duration{time.Second}, time.Second},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			b := devicetest.NewMockBackend("mock", device.TypeMisc)
			for i, iv := range tc.intervals {
				b.AddDevice(string(rune('a'+i)), devicetest.NewMockCounter(100, iv))
			}
			require.NoError(t, b.Init())
			assert.Equal(t, tc.want, MinInterval(b.Devices()))
		})
	}
}

func TestTrackerDetectsWrap(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	c := devicetest.NewMockCounter(100, 10*time.Millisecond)
	c.OnEnergy(95, nil)
	devices := initDevices(t, devicetest.NewMockBackend("mock", device.TypeCPU).AddDevice("d", c))
	d := devices[0]

	tr := NewTracker(WithClock(fc))
	require.NoError(t, tr.Start(devices))
	defer func() { assert.NoError(t, tr.Stop()) }()
	assert.Equal(t, 10*time.Millisecond, tr.Interval())

	got := []device.Energy{}
	e, err := d.HandledEnergy()
	require.NoError(t, err)
	got = append(got, e)

	for _, raw := range []device.Energy{5, 15} {
		c.OnEnergy(raw, nil)
		stepAndWait(t, fc, c, 10*time.Millisecond)

		e, err := d.HandledEnergy()
		require.NoError(t, err)
		got = append(got, e)
	}

	assert.Equal(t, []device.Energy{95, 105, 115}, got)
	assert.Equal(t, uint64(1), d.Wraps())
}

func TestTrackerSkipsZeroIntervalDevices(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	polled := devicetest.NewMockCounter(100, 10*time.Millisecond)
	passive := devicetest.NewMockCounter(100, 0)
	devices := initDevices(t, devicetest.NewMockBackend("mock", device.TypeMisc).
		AddDevice("polled", polled).
		AddDevice("passive", passive))

	tr := NewTracker(WithClock(fc))
	require.NoError(t, tr.Start(devices))

	passiveReads := passive.Reads()
	for range 3 {
		stepAndWait(t, fc, polled, 10*time.Millisecond)
	}
	require.NoError(t, tr.Stop())
	assert.Equal(t, passiveReads, passive.Reads())
}

func TestTrackerIdleWithoutPolledDevices(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	devices := initDevices(t, devicetest.NewMockBackend("mock", device.TypeGPU).
		AddDevice("gpu0", devicetest.NewMockCounter(100, 0)))

	tr := NewTracker(WithClock(fc))
	require.NoError(t, tr.Start(devices))
	assert.True(t, tr.Running())
	assert.Equal(t, time.Duration(0), tr.Interval())
	assert.False(t, fc.HasWaiters())
	require.NoError(t, tr.Stop())
	assert.False(t, tr.Running())
}

func TestTrackerLifecycleErrors(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	devices := initDevices(t, devicetest.NewMockBackend("mock", device.TypeCPU).
		AddDevice("d", devicetest.NewMockCounter(100, time.Second)))

	tr := NewTracker(WithClock(fc))
	assert.ErrorIs(t, tr.Stop(), device.ErrThread, "stop before start")

	require.NoError(t, tr.Start(devices))
	assert.ErrorIs(t, tr.Start(devices), device.ErrThread, "double start")

	require.NoError(t, tr.Stop())
	assert.ErrorIs(t, tr.Stop(), device.ErrThread, "double stop")

	// a stopped tracker can be started again
	require.NoError(t, tr.Start(devices))
	require.NoError(t, tr.Stop())
}

func TestTrackerKeepsPollingAfterReadError(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	c := devicetest.NewMockCounter(100, 10*time.Millisecond)
	c.OnEnergy(90, nil)
	devices := initDevices(t, devicetest.NewMockBackend("mock", device.TypeCPU).AddDevice("d", c))

	tr := NewTracker(WithClock(fc))
	require.NoError(t, tr.Start(devices))
	defer func() { assert.NoError(t, tr.Stop()) }()

	c.OnEnergy(0, assert.AnError)
	stepAndWait(t, fc, c, 10*time.Millisecond)

	c.OnEnergy(10, nil)
	stepAndWait(t, fc, c, 10*time.Millisecond)
	assert.Equal(t, uint64(1), devices[0].Wraps())
}
