// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// Thread is the measuring context of one goroutine. It owns that
// goroutine's Store, which is created on the first Define. A Thread must
// only be used by the goroutine that created it.
type Thread struct {
	dir   *Directory
	index int
	store *Store
}

// Index returns the directory slot of the thread or -1 if no region has
// been defined yet.
func (t *Thread) Index() int {
	return t.index
}

// Store returns the region store of the thread or nil if no region has been
// defined yet.
func (t *Thread) Store() *Store {
	return t.store
}

// Define returns the region for (site, idf), creating it on first use. The
// filter selects the measured devices and is only applied on creation.
func (t *Thread) Define(idf string, f device.Filter, site Site) (*Region, error) {
	if t.store == nil {
		index, store, err := t.dir.claim()
		if err != nil {
			return nil, err
		}
		t.index, t.store = index, store
	}

	if r, ok := t.store.Get(Key(site, idf)); ok && !r.Finalized() {
		return r, nil
	}

	var devices []*device.Device
	if t.dir.devices != nil {
		devices = device.Apply(t.dir.devices.Devices(), f)
	}
	r := New(idf, site, devices, t.dir.clock)
	t.store.Set(r)
	return r, nil
}

// DefineHere is Define with the site of its caller
func (t *Thread) DefineHere(idf string, f device.Filter) (*Region, error) {
	return t.Define(idf, f, Caller(1))
}
