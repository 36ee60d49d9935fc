// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// ErrFinalized is returned when measuring a finalized region
var ErrFinalized = errors.New("region finalized")

// Site identifies the source location where a region is defined
type Site struct {
	File     string
	Line     int
	Function string
}

// Caller returns the site of the function that called Caller, skipping
// skip additional frames.
func Caller(skip int) Site {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Site{File: "unknown", Function: "unknown"}
	}
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
		if i := strings.LastIndex(fn, "/"); i >= 0 {
			fn = fn[i+1:]
		}
	}
	return Site{File: file, Line: line, Function: fn}
}

// Key returns the store key of a region: file:line(function:idf)
func Key(site Site, idf string) string {
	return fmt.Sprintf("%s:%d(%s:%s)", site.File, site.Line, site.Function, idf)
}

// Measurement holds the accumulated energy and time of one device within a
// region.
type Measurement struct {
	device *device.Device

	armed       bool
	energyStart device.Energy
	energy      device.Energy
	timeStart   time.Time
	elapsed     time.Duration
}

func (m *Measurement) Device() *device.Device {
	return m.device
}

// Energy returns the energy accumulated over all completed cycles
func (m *Measurement) Energy() device.Energy {
	return m.energy
}

// Time returns the wall time accumulated over all completed cycles
func (m *Measurement) Time() time.Duration {
	return m.elapsed
}

// Region is a measured code span. A region belongs to the goroutine that
// defined it through its Thread and must not be used from any other.
type Region struct {
	idf   string
	site  Site
	key   string
	clock clock.PassiveClock

	visits       uint64
	measurements []Measurement
	finalized    bool
}

// New creates a region measuring devices. The slice is not retained.
func New(idf string, site Site, devices []*device.Device, clk clock.PassiveClock) *Region {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ms := make([]Measurement, len(devices))
	for i, d := range devices {
		ms[i].device = d
	}
	return &Region{
		idf:          idf,
		site:         site,
		key:          Key(site, idf),
		clock:        clk,
		measurements: ms,
	}
}

func (r *Region) IDF() string {
	return r.idf
}

func (r *Region) Site() Site {
	return r.site
}

func (r *Region) Key() string {
	return r.key
}

// Visits returns the number of times Begin was called
func (r *Region) Visits() uint64 {
	return r.visits
}

// Measurements returns the per-device measurements in device order
func (r *Region) Measurements() []*Measurement {
	out := make([]*Measurement, len(r.measurements))
	for i := range r.measurements {
		out[i] = &r.measurements[i]
	}
	return out
}

func (r *Region) Finalized() bool {
	return r.finalized
}

// Begin starts a measuring cycle. It must be followed by End before the
// next Begin. A device that cannot be read is left out of this cycle and
// its error is returned once all devices have been visited.
func (r *Region) Begin() error {
	if r.finalized {
		return fmt.Errorf("begin %s: %w", r.key, ErrFinalized)
	}
	r.visits++

	var errs []error
	for i := range r.measurements {
		m := &r.measurements[i]
		m.timeStart = r.clock.Now()
		e, err := m.device.HandledEnergy()
		if err != nil {
			m.armed = false
			errs = append(errs, err)
			continue
		}
		m.energyStart = e
		m.armed = true
	}
	return errors.Join(errs...)
}

// End closes the measuring cycle and adds its deltas to the totals
func (r *Region) End() error {
	if r.finalized {
		return fmt.Errorf("end %s: %w", r.key, ErrFinalized)
	}

	var errs []error
	for i := range r.measurements {
		m := &r.measurements[i]
		if !m.armed {
			continue
		}
		m.armed = false
		m.elapsed += r.clock.Since(m.timeStart)
		e, err := m.device.HandledEnergy()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if e >= m.energyStart {
			m.energy += e - m.energyStart
		}
	}
	return errors.Join(errs...)
}

// Finalize releases the measurements of the region
func (r *Region) Finalize() {
	r.measurements = nil
	r.finalized = true
}
