// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"
)

type overflowPhase int

const (
	phaseNew overflowPhase = iota
	phaseReady
	phaseClosed
)

// overflowState unwraps the raw counter of a device.
// count only increases; old is the most recent raw value seen by Observe.
type overflowState struct {
	mu    sync.Mutex
	phase overflowPhase
	count uint64
	old   Energy
}

// InitOverflow resets the wrap count and records the current raw reading
// as the starting point for wrap detection.
func (d *Device) InitOverflow() error {
	s := &d.overflow
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := d.counter.Energy()
	if err != nil {
		return classify(err, "init overflow tracking of %s", d.name)
	}
	s.old = raw
	s.count = 0
	s.phase = phaseReady
	return nil
}

// FinalizeOverflow stops overflow tracking for the device. Later calls to
// Observe and HandledEnergy fail with ErrNotSupported.
func (d *Device) FinalizeOverflow() {
	s := &d.overflow
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseClosed
}

// Observe reads the raw counter and counts a wrap if the reading is below
// the previous observation. It is called by the background poller.
func (d *Device) Observe() error {
	s := &d.overflow
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(d.name); err != nil {
		return err
	}

	raw, err := d.counter.Energy()
	if err != nil {
		return classify(err, "observe %s", d.name)
	}
	if raw < s.old {
		s.count++
	}
	s.old = raw
	return nil
}

// HandledEnergy returns the unwrapped cumulative energy of the device.
//
// A wrap that happened after the last Observe is accounted for locally
// without being recorded, so the result is consistent between polls as long
// as the counter wraps at most once between two observations.
func (d *Device) HandledEnergy() (Energy, error) {
	s := &d.overflow
	s.mu.Lock()
	if err := s.ready(d.name); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	old, count := s.old, s.count
	raw, err := d.counter.Energy()
	s.mu.Unlock()

	if err != nil {
		return 0, classify(err, "read handled energy of %s", d.name)
	}
	if raw < old {
		count++
	}
	return Energy(count)*d.counter.MaxEnergy() + raw, nil
}

// Wraps returns the number of wraps recorded by Observe
func (d *Device) Wraps() uint64 {
	s := &d.overflow
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *overflowState) ready(name string) error {
	switch s.phase {
	case phaseNew:
		return fmt.Errorf("overflow tracking of %s not initialized: %w", name, ErrNotSupported)
	case phaseClosed:
		return fmt.Errorf("overflow tracking of %s finalized: %w", name, ErrNotSupported)
	}
	return nil
}
