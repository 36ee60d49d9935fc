// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "slices"

// Filter narrows a device list. A filter must return a new slice and leave
// its input untouched.
type Filter func(devices []*Device) []*Device

// Apply returns the devices selected by f. A nil filter selects all devices.
// The returned slice is owned by the caller.
func Apply(devices []*Device, f Filter) []*Device {
	if f == nil {
		return slices.Clone(devices)
	}
	return f(devices)
}

// ExcludeBackend drops every device owned by the named backend and keeps the
// relative order of the rest.
func ExcludeBackend(name string) Filter {
	return func(devices []*Device) []*Device {
		n := 0
		for _, d := range devices {
			if d.BackendName() != name {
				n++
			}
		}

		out := make([]*Device, 0, n)
		for _, d := range devices {
			if d.BackendName() != name {
				out = append(out, d)
			}
		}
		return out
	}
}

// IncludeTypes keeps only devices of the given types
func IncludeTypes(types ...Type) Filter {
	return func(devices []*Device) []*Device {
		out := make([]*Device, 0, len(devices))
		for _, d := range devices {
			if slices.Contains(types, d.Type()) {
				out = append(out, d)
			}
		}
		return out
	}
}

// Chain applies filters in order
func Chain(filters ...Filter) Filter {
	return func(devices []*Device) []*Device {
		out := slices.Clone(devices)
		for _, f := range filters {
			out = Apply(out, f)
		}
		return out
	}
}
