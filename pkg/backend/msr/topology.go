// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package msr

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
)

// cpu is a logical cpu and where it sits in the topology
type cpu struct {
	id   int
	pkg  int
	core int
}

// topologyReader lists logical cpus; replaced in tests
type topologyReader interface {
	CPUs() ([]cpu, error)
}

type sysfsTopology struct {
	fs sysfs.FS
}

func (t sysfsTopology) CPUs() ([]cpu, error) {
	cpus, err := t.fs.CPUs()
	if err != nil {
		return nil, fmt.Errorf("failed to list cpus: %w", err)
	}

	ret := make([]cpu, 0, len(cpus))
	for _, c := range cpus {
		id, err := strconv.Atoi(c.Number())
		if err != nil {
			continue
		}
		top, err := c.Topology()
		if err != nil {
			// offline cpus have no topology
			continue
		}
		pkg, err := strconv.Atoi(strings.TrimSpace(top.PhysicalPackageID))
		if err != nil {
			return nil, fmt.Errorf("cpu %d: bad physical_package_id %q: %w", id, top.PhysicalPackageID, err)
		}
		core, err := strconv.Atoi(strings.TrimSpace(top.CoreID))
		if err != nil {
			return nil, fmt.Errorf("cpu %d: bad core_id %q: %w", id, top.CoreID, err)
		}
		ret = append(ret, cpu{id: id, pkg: pkg, core: core})
	}
	return ret, nil
}

// packageLayout is the first cpu of a package and the first cpu of each of
// its cores
type packageLayout struct {
	id     int
	leader int
	cores  []coreLeader
}

type coreLeader struct {
	core int
	cpu  int
}

// layout groups cpus by package and core, both in ascending order
func layout(cpus []cpu) []packageLayout {
	cpus = slices.Clone(cpus)
	slices.SortFunc(cpus, func(a, b cpu) int { return a.id - b.id })

	byPkg := map[int]*packageLayout{}
	seenCore := map[[2]int]bool{}
	for _, c := range cpus {
		p, ok := byPkg[c.pkg]
		if !ok {
			p = &packageLayout{id: c.pkg, leader: c.id}
			byPkg[c.pkg] = p
		}
		key := [2]int{c.pkg, c.core}
		if seenCore[key] {
			continue
		}
		seenCore[key] = true
		p.cores = append(p.cores, coreLeader{core: c.core, cpu: c.id})
	}

	ret := make([]packageLayout, 0, len(byPkg))
	for _, p := range byPkg {
		slices.SortFunc(p.cores, func(a, b coreLeader) int { return a.core - b.core })
		ret = append(ret, *p)
	}
	slices.SortFunc(ret, func(a, b packageLayout) int { return a.id - b.id })
	return ret
}

// detectVendor reads the vendor of the first cpu from /proc/cpuinfo
func detectVendor(procPath string) (Vendor, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return "", err
	}
	info, err := fs.CPUInfo()
	if err != nil {
		return "", fmt.Errorf("failed to read cpuinfo: %w", err)
	}
	if len(info) == 0 {
		return "", fmt.Errorf("cpuinfo lists no cpus")
	}
	return vendorFromID(info[0].VendorID)
}

func vendorFromID(id string) (Vendor, error) {
	switch id {
	case "GenuineIntel":
		return VendorIntel, nil
	case "AuthenticAMD", "HygonGenuine":
		return VendorAMD, nil
	}
	return "", fmt.Errorf("unsupported cpu vendor %q", id)
}
