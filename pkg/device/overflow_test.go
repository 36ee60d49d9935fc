// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device/devicetest"
)

func newDevice(c device.Counter) *device.Device {
	return device.New(devicetest.NewMockBackend("mock", device.TypeMisc), "dev", "dev-uid", device.TypeMisc, c)
}

func TestHandledEnergyWrapScenario(t *testing.T) {
	c := devicetest.NewMockCounter(100, 10*time.Millisecond)
	d := newDevice(c)

	c.OnEnergy(95, nil)
	require.NoError(t, d.InitOverflow())

	got := []device.Energy{}
	for _, raw := range []device.Energy{95, 5, 15} {
		c.OnEnergy(raw, nil)
		require.NoError(t, d.Observe())
		e, err := d.HandledEnergy()
		require.NoError(t, err)
		got = append(got, e)
	}

	assert.Equal(t, []device.Energy{95, 105, 115}, got)
	assert.Equal(t, uint64(1), d.Wraps())
}

func TestHandledEnergyBetweenPolls(t *testing.T) {
	c := devicetest.NewMockCounter(100, 10*time.Millisecond)
	d := newDevice(c)

	c.OnEnergy(95, nil)
	require.NoError(t, d.InitOverflow())

	// wrap not yet seen by the poller
	c.OnEnergy(5, nil)
	e, err := d.HandledEnergy()
	require.NoError(t, err)
	assert.Equal(t, device.Energy(105), e)
	assert.Equal(t, uint64(0), d.Wraps(), "on-demand reads must not record wraps")

	// the poller catches up; the wrap is counted exactly once
	require.NoError(t, d.Observe())
	e, err = d.HandledEnergy()
	require.NoError(t, err)
	assert.Equal(t, device.Energy(105), e)
	assert.Equal(t, uint64(1), d.Wraps())
}

func TestHandledEnergyNonDecreasing(t *testing.T) {
	const max = 1000
	c := devicetest.NewMockCounter(max, time.Millisecond)
	d := newDevice(c)
	require.NoError(t, d.InitOverflow())

	var last device.Energy
	for i := range 500 {
		c.Inc(device.Energy(37 + i%50))
		if i%3 == 0 {
			require.NoError(t, d.Observe())
		}
		e, err := d.HandledEnergy()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e, last, "iteration %d", i)
		last = e
	}
}

func TestHandledEnergyConcurrentReaders(t *testing.T) {
	c := devicetest.NewMockCounter(1<<20, time.Millisecond)
	d := newDevice(c)
	require.NoError(t, d.InitOverflow())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Inc(100)
				_ = d.Observe()
			}
		}
	}()

	readers := 8
	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			for range 200 {
				_, err := d.HandledEnergy()
				assert.NoError(t, err)
			}
		}()
	}

	// wait for readers, then stop the writer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c.Reads() < readers*200 {
			time.Sleep(time.Millisecond)
		}
		close(stop)
	}()
	<-done
	wg.Wait()
}

func TestOverflowErrors(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		d := newDevice(devicetest.NewMockCounter(100, 0))
		_, err := d.HandledEnergy()
		assert.ErrorIs(t, err, device.ErrNotSupported)
		assert.ErrorIs(t, d.Observe(), device.ErrNotSupported)
	})

	t.Run("finalized", func(t *testing.T) {
		d := newDevice(devicetest.NewMockCounter(100, 0))
		require.NoError(t, d.InitOverflow())
		d.FinalizeOverflow()
		_, err := d.HandledEnergy()
		assert.ErrorIs(t, err, device.ErrNotSupported)
	})

	t.Run("read failure is an io failure and keeps state", func(t *testing.T) {
		c := devicetest.NewMockCounter(100, 0)
		d := newDevice(c)
		c.OnEnergy(40, nil)
		require.NoError(t, d.InitOverflow())

		readErr := errors.New("device busy")
		c.OnEnergy(0, readErr)
		_, err := d.HandledEnergy()
		assert.ErrorIs(t, err, device.ErrIO)
		assert.ErrorIs(t, err, readErr)
		assert.ErrorIs(t, d.Observe(), device.ErrIO)

		c.OnEnergy(50, nil)
		e, err := d.HandledEnergy()
		require.NoError(t, err)
		assert.Equal(t, device.Energy(50), e)
		assert.Equal(t, uint64(0), d.Wraps())
	})

	t.Run("classified errors are not rewrapped", func(t *testing.T) {
		c := devicetest.NewMockCounter(100, 0)
		d := newDevice(c)
		c.OnEnergy(0, device.ErrProtocol)
		err := d.InitOverflow()
		assert.ErrorIs(t, err, device.ErrProtocol)
		assert.NotErrorIs(t, err, device.ErrIO)
	})
}
