// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// procFS is the part of procfs.FS the collector reads
type procFS interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

// cpuInfoCollector exports one ema_node_cpu_info series per logical CPU so
// that MSR and RAPL package numbers can be joined with the processor model.
type cpuInfoCollector struct {
	sync.Mutex

	fs   procFS
	desc *prom.Desc
}

// NewCPUInfoCollector creates a collector reading cpuinfo below procPath
func NewCPUInfoCollector(procPath string) (*cpuInfoCollector, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollectorWithFS(fs), nil
}

func newCPUInfoCollectorWithFS(fs procFS) *cpuInfoCollector {
	return &cpuInfoCollector{
		fs: fs,
		desc: prom.NewDesc(
			prom.BuildFQName(emaNS, "node", "cpu_info"),
			"CPU information from procfs",
			[]string{"processor", "vendor_id", "model_name", "physical_id", "core_id"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	infos, err := c.fs.CPUInfo()
	if err != nil {
		return
	}
	for _, ci := range infos {
		ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
			strconv.FormatUint(uint64(ci.Processor), 10),
			ci.VendorID,
			ci.ModelName,
			ci.PhysicalID,
			ci.CoreID,
		)
	}
}
