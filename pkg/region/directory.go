// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// DefaultMaxThreads is the default number of thread slots in a Directory
const DefaultMaxThreads = 1024

// DeviceSource provides the devices new regions may measure
type DeviceSource interface {
	Devices() []*device.Device
}

type Opts struct {
	logger     *slog.Logger
	clock      clock.PassiveClock
	maxThreads int
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		clock:      clock.RealClock{},
		maxThreads: DefaultMaxThreads,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Directory
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock regions use to measure time
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithMaxThreads sets the number of thread slots
func WithMaxThreads(n int) OptionFn {
	return func(o *Opts) {
		o.maxThreads = n
	}
}

// Directory maps thread indexes to their region stores. Slots are claimed
// with an atomic counter and each is written exactly once by its owner, so
// no lock is needed to claim a slot or to enumerate the stores later.
type Directory struct {
	logger  *slog.Logger
	clock   clock.PassiveClock
	devices DeviceSource

	claimed atomic.Int64
	slots   []atomic.Pointer[Store]
}

// NewDirectory creates a directory whose regions measure devices from src
func NewDirectory(src DeviceSource, applyOpts ...OptionFn) *Directory {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	if opts.maxThreads < 0 {
		opts.maxThreads = 0
	}

	return &Directory{
		logger:  opts.logger.With("service", "region-directory"),
		clock:   opts.clock,
		devices: src,
		slots:   make([]atomic.Pointer[Store], opts.maxThreads),
	}
}

// NewThread returns a handle for the calling goroutine. The handle claims
// its slot on the first region definition.
func (d *Directory) NewThread() *Thread {
	return &Thread{dir: d, index: -1}
}

// claim assigns the next free slot to a new store. Once all slots are taken
// it fails with device.ErrLimitExceeded without allocating anything.
func (d *Directory) claim() (int, *Store, error) {
	limit := int64(len(d.slots))
	for {
		n := d.claimed.Load()
		if n >= limit {
			return -1, nil, fmt.Errorf("thread limit of %d reached: %w", limit, device.ErrLimitExceeded)
		}
		if d.claimed.CompareAndSwap(n, n+1) {
			s := NewStore()
			d.slots[n].Store(s)
			d.logger.Debug("Region store created", "thread", n)
			return int(n), s, nil
		}
	}
}

// Len returns the number of claimed slots
func (d *Directory) Len() int {
	return int(d.claimed.Load())
}

// Cap returns the maximum number of threads
func (d *Directory) Cap() int {
	return len(d.slots)
}

// Each calls fn with the index and store of every claimed slot in index
// order. Like Store.Iterate it visits all stores and returns the first
// error.
func (d *Directory) Each(fn func(thread int, s *Store) error) error {
	var first error
	n := d.Len()
	for i := range n {
		s := d.slots[i].Load()
		if s == nil {
			// claimed but not yet published
			continue
		}
		if err := fn(i, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Finalize finalizes every store. Threads must have stopped measuring.
func (d *Directory) Finalize() error {
	return d.Each(func(_ int, s *Store) error {
		return s.Finalize()
	})
}
