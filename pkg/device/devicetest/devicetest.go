// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicetest provides counters and backends for tests that need
// devices without real hardware.
package devicetest

import (
	"sync"
	"time"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// MockCounter is a settable device.Counter safe for concurrent use
type MockCounter struct {
	mu        sync.Mutex
	energy    device.Energy
	energyErr error
	seq       []device.Energy
	reads     int

	max      device.Energy
	interval time.Duration
}

var _ device.Counter = (*MockCounter)(nil)

func NewMockCounter(max device.Energy, interval time.Duration) *MockCounter {
	return &MockCounter{max: max, interval: interval}
}

func (m *MockCounter) Energy() (device.Energy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.energyErr != nil {
		return 0, m.energyErr
	}
	if len(m.seq) > 0 {
		m.energy = m.seq[0]
		m.seq = m.seq[1:]
	}
	return m.energy, nil
}

func (m *MockCounter) MaxEnergy() device.Energy {
	return m.max
}

func (m *MockCounter) Interval() time.Duration {
	return m.interval
}

// OnEnergy sets the value and error returned by subsequent reads
func (m *MockCounter) OnEnergy(e device.Energy, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energy = e
	m.energyErr = err
}

// Sequence queues values returned by the next reads, one per read. Once the
// queue is drained the last value keeps being returned.
func (m *MockCounter) Sequence(values ...device.Energy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = append(m.seq, values...)
}

// Inc advances the counter by delta, wrapping at the counter modulus
func (m *MockCounter) Inc(delta device.Energy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max == 0 {
		m.energy += delta
		return
	}
	m.energy = (m.energy + delta) % m.max
}

// Reads returns how many times Energy was called
func (m *MockCounter) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// StepCounter returns a fixed increment on every read, like a device under
// constant load sampled once per read.
type StepCounter struct {
	MockCounter
	step device.Energy
}

func NewStepCounter(step device.Energy) *StepCounter {
	return &StepCounter{MockCounter: MockCounter{max: device.Energy(^uint64(0))}, step: step}
}

func (s *StepCounter) Energy() (device.Energy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	s.energy += s.step
	return s.energy, nil
}

// MockBackend is a backend whose devices are given up front
type MockBackend struct {
	name     string
	counters map[string]device.Counter
	order    []string
	typ      device.Type

	InitErr     error
	FinalizeErr error

	mu             sync.Mutex
	devices        []*device.Device
	initCalls      int
	finalizeCalls  int
	onFinalizeHook func()
}

var _ device.Backend = (*MockBackend)(nil)

func NewMockBackend(name string, typ device.Type) *MockBackend {
	return &MockBackend{name: name, typ: typ, counters: map[string]device.Counter{}}
}

// AddDevice adds a device that Init will create
func (b *MockBackend) AddDevice(name string, c device.Counter) *MockBackend {
	b.counters[name] = c
	b.order = append(b.order, name)
	return b
}

// OnFinalize registers fn to be called from Finalize
func (b *MockBackend) OnFinalize(fn func()) {
	b.onFinalizeHook = fn
}

func (b *MockBackend) Name() string {
	return b.name
}

func (b *MockBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initCalls++
	if b.InitErr != nil {
		return b.InitErr
	}
	b.devices = b.devices[:0]
	for _, name := range b.order {
		b.devices = append(b.devices, device.New(b, name, b.name+"/"+name, b.typ, b.counters[name]))
	}
	return nil
}

func (b *MockBackend) Devices() []*device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices
}

func (b *MockBackend) Finalize() error {
	b.mu.Lock()
	b.finalizeCalls++
	hook := b.onFinalizeHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return b.FinalizeErr
}

func (b *MockBackend) InitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCalls
}

func (b *MockBackend) FinalizeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalizeCalls
}
