// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"
)

// Type tags the kind of hardware a device measures
type Type string

const (
	TypeCPU  Type = "cpu"
	TypeGPU  Type = "gpu"
	TypeDRAM Type = "dram"
	TypeMisc Type = "misc"
)

// Counter is the raw energy accessor a backend supplies for each of its devices
type Counter interface {
	// Energy returns the current cumulative reading in microjoules. The
	// reading may have wrapped around MaxEnergy since the last call.
	Energy() (Energy, error)

	// MaxEnergy returns the counter modulus
	MaxEnergy() Energy

	// Interval returns the time between expected periodic reads. A zero
	// interval means the device is never polled in the background.
	Interval() time.Duration
}

// Backend discovers and owns the devices of one hardware family
type Backend interface {
	// Name returns the name of the backend
	Name() string

	// Init discovers the devices of the backend
	Init() error

	// Devices returns the devices discovered by Init
	Devices() []*Device

	// Finalize releases all resources held by the backend and its devices
	Finalize() error
}

// Device is a measurable energy source exposed by a backend
type Device struct {
	name    string
	uid     string
	typ     Type
	backend Backend
	counter Counter

	overflow overflowState
}

// New creates a device owned by backend b that reads its energy from c
func New(b Backend, name, uid string, typ Type, c Counter) *Device {
	return &Device{
		name:    name,
		uid:     uid,
		typ:     typ,
		backend: b,
		counter: c,
	}
}

// Name returns the display name of the device
func (d *Device) Name() string {
	return d.name
}

// UID returns the unique id of the device
func (d *Device) UID() string {
	return d.uid
}

// Type returns the type tag of the device
func (d *Device) Type() Type {
	return d.typ
}

// Backend returns the backend that owns the device
func (d *Device) Backend() Backend {
	return d.backend
}

// BackendName returns the name of the owning backend or "" if there is none
func (d *Device) BackendName() string {
	if d.backend == nil {
		return ""
	}
	return d.backend.Name()
}

func (d *Device) Interval() time.Duration {
	return d.counter.Interval()
}

func (d *Device) MaxEnergy() Energy {
	return d.counter.MaxEnergy()
}

// RawEnergy reads the counter without any overflow handling
func (d *Device) RawEnergy() (Energy, error) {
	e, err := d.counter.Energy()
	if err != nil {
		return 0, classify(err, "read energy of %s", d.name)
	}
	return e, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.name, d.typ)
}
