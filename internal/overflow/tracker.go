// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package overflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// Tracker polls wrapping device counters in the background so that wraps are
// recorded before a second one can happen.
//
// The poll cadence is the smallest nonzero interval declared by the devices
// and is fixed when the tracker starts. If the hardware wraps more than once
// per cadence the unwrapped values silently lose a full counter range; the
// backend is responsible for declaring a short enough interval.
type Tracker struct {
	logger *slog.Logger
	clock  clock.WithTicker

	mu       sync.Mutex
	running  bool
	interval time.Duration
	polled   []*device.Device
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTracker creates a stopped tracker
func NewTracker(applyOpts ...OptionFn) *Tracker {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Tracker{
		logger: opts.logger.With("service", "overflow-tracker"),
		clock:  opts.clock,
	}
}

func (t *Tracker) Name() string {
	return "overflow-tracker"
}

// MinInterval returns the smallest nonzero interval among devices, or 0 if
// no device needs polling.
func MinInterval(devices []*device.Device) time.Duration {
	var min time.Duration
	for _, d := range devices {
		iv := d.Interval()
		if iv <= 0 {
			continue
		}
		if min == 0 || iv < min {
			min = iv
		}
	}
	return min
}

// Start spawns the poll loop for every device with a nonzero interval.
// Starting a running tracker fails with device.ErrThread.
func (t *Tracker) Start(devices []*device.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("overflow tracker already running: %w", device.ErrThread)
	}

	t.polled = t.polled[:0]
	for _, d := range devices {
		if d.Interval() > 0 {
			t.polled = append(t.polled, d)
		}
	}
	t.interval = MinInterval(t.polled)
	t.running = true
	t.done = make(chan struct{})

	if t.interval == 0 {
		t.logger.Info("No device requires polling; overflow tracker idle", "devices", len(devices))
		t.cancel = func() {}
		close(t.done)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.logger.Info("Starting overflow tracker",
		"interval", t.interval,
		"polled", len(t.polled),
		"devices", len(devices))

	go t.loop(ctx, t.polled, t.interval, t.done)
	return nil
}

// Stop cancels the poll loop and waits for it to exit. Stopping a tracker
// that is not running fails with device.ErrThread.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return fmt.Errorf("overflow tracker not running: %w", device.ErrThread)
	}

	t.cancel()
	<-t.done
	t.running = false
	t.logger.Info("Overflow tracker stopped")
	return nil
}

// Interval returns the poll cadence chosen by the last Start
func (t *Tracker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Running reports whether the tracker has been started and not stopped
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) loop(ctx context.Context, devices []*device.Device, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("Poll loop terminated")
			return
		case <-t.clock.After(interval):
			t.poll(devices)
		}
	}
}

func (t *Tracker) poll(devices []*device.Device) {
	for _, d := range devices {
		if err := d.Observe(); err != nil {
			t.logger.Warn("Failed to observe device counter", "device", d.Name(), "error", err)
		}
	}
}
