// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// DeviceSource lists the devices to export. Devices are looked up on every
// scrape, so a source that initializes after the collector is registered
// is fine.
type DeviceSource interface {
	Devices() []*device.Device
}

var deviceLabels = []string{"backend", "device", "device_type", "uid"}

// DeviceCollector exports the overflow-handled energy of every device
type DeviceCollector struct {
	sync.Mutex

	logger *slog.Logger
	source DeviceSource

	energy *prom.Desc
	wraps  *prom.Desc
	max    *prom.Desc
}

var _ prom.Collector = (*DeviceCollector)(nil)

func NewDeviceCollector(src DeviceSource, logger *slog.Logger) *DeviceCollector {
	return &DeviceCollector{
		logger: logger.With("collector", "device"),
		source: src,
		energy: prom.NewDesc(
			prom.BuildFQName(emaNS, "device", "energy_joules_total"),
			"Energy consumed by the device since EMA was initialized, corrected for counter wraps",
			deviceLabels, nil,
		),
		wraps: prom.NewDesc(
			prom.BuildFQName(emaNS, "device", "wraps_total"),
			"Counter wraps seen by the overflow tracker",
			deviceLabels, nil,
		),
		max: prom.NewDesc(
			prom.BuildFQName(emaNS, "device", "max_energy_joules"),
			"Value at which the raw device counter wraps",
			deviceLabels, nil,
		),
	}
}

func (c *DeviceCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.energy
	ch <- c.wraps
	ch <- c.max
}

func (c *DeviceCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	for _, d := range c.source.Devices() {
		labels := []string{d.BackendName(), d.Name(), string(d.Type()), d.UID()}

		e, err := d.HandledEnergy()
		if err != nil {
			c.logger.Debug("Skipping device", "device", d.Name(), "error", err)
			continue
		}
		ch <- prom.MustNewConstMetric(c.energy, prom.CounterValue, e.Joules(), labels...)
		ch <- prom.MustNewConstMetric(c.wraps, prom.CounterValue, float64(d.Wraps()), labels...)
		ch <- prom.MustNewConstMetric(c.max, prom.GaugeValue, d.MaxEnergy().Joules(), labels...)
	}
}
