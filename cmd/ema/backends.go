// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"k8s.io/utils/ptr"

	"github.com/SerhiiYahdzhyiev/EMA/config"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/backend/fake"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/backend/msr"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/backend/nvidia"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/backend/rapl"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/backend/telemetry"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// createBackends returns the enabled backends in registration order. A
// backend that cannot be constructed is an error; one that finds no hardware
// fails later in Init and is skipped by the registry.
func createBackends(cfg *config.Config, logger *slog.Logger) ([]device.Backend, error) {
	var backends []device.Backend

	if fakeCfg := cfg.Dev.FakeBackend; ptr.Deref(fakeCfg.Enabled, false) {
		backends = append(backends, fake.New(
			fake.WithLogger(logger),
			fake.WithDevices(fakeCfg.Devices...),
			fake.WithMaxEnergy(device.Energy(fakeCfg.MaxEnergy)),
			fake.WithIncrement(device.Energy(fakeCfg.Increment), fakeCfg.RandomFactor),
			fake.WithInterval(fakeCfg.Interval),
		))
	}

	if ptr.Deref(cfg.Rapl.Enabled, false) {
		b, err := rapl.New(cfg.Host.SysFS,
			rapl.WithLogger(logger),
			rapl.WithZoneFilter(cfg.Rapl.Zones),
		)
		if err != nil {
			return nil, fmt.Errorf("creating rapl backend: %w", err)
		}
		backends = append(backends, b)
	}

	if ptr.Deref(cfg.MSR.Enabled, false) {
		backends = append(backends, msr.New(
			msr.WithLogger(logger),
			msr.WithVendor(msr.Vendor(cfg.MSR.Vendor)),
			msr.WithCores(ptr.Deref(cfg.MSR.Cores, false)),
			msr.WithInterval(cfg.MSR.Interval),
			msr.WithHostPaths(cfg.Host.SysFS, cfg.Host.ProcFS, cfg.Host.DevFS),
		))
	}

	if ptr.Deref(cfg.NVML.Enabled, false) {
		backends = append(backends, nvidia.New(nvidia.WithLogger(logger)))
	}

	if t := cfg.Telemetry; ptr.Deref(t.Enabled, false) {
		b, err := telemetry.New(t.Endpoint,
			telemetry.WithLogger(logger),
			telemetry.WithName(t.Name),
			telemetry.WithTopic(t.Topic),
			telemetry.WithTimeouts(t.ReadDevicesTimeout, t.ReadEnergyTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("creating telemetry backend: %w", err)
		}
		backends = append(backends, b)
	}

	return backends, nil
}
