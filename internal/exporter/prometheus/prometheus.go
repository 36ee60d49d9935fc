// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/prometheus/collector"
	"github.com/SerhiiYahdzhyiev/EMA/internal/service"
)

type (
	Initializer  = service.Initializer
	DeviceSource = collector.DeviceSource
)

type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
	procfs          string
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors: map[string]prom.Collector{},
		procfs:     "/proc",
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the set of runtime collectors ("go", "process")
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

func WithProcFSPath(procfs string) OptionFn {
	return func(o *Opts) {
		o.procfs = procfs
	}
}

func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// Exporter serves device energy on /metrics
type Exporter struct {
	logger          *slog.Logger
	registry        *prom.Registry
	server          APIRegistry
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var _ Initializer = (*Exporter)(nil)

func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		server:          s,
		logger:          opts.logger.With("service", "prometheus"),
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
		registry:        prom.NewRegistry(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// CreateCollectors returns the EMA collectors keyed by name
func CreateCollectors(src DeviceSource, applyOpts ...OptionFn) (map[string]prom.Collector, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	cs := map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"device":     collector.NewDeviceCollector(src, opts.logger),
	}
	cpuInfo, err := collector.NewCPUInfoCollector(opts.procfs)
	if err != nil {
		return nil, err
	}
	cs["cpu_info"] = cpuInfo
	return cs, nil
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")
	for name := range e.debugCollectors {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", name)
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("registering collector %s: %w", name, err)
		}
	}

	for name, c := range e.collectors {
		e.logger.Info("Enabling collector", "collector", name)
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("registering collector %s: %w", name, err)
		}
	}

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
			},
		))
}

func (e *Exporter) Name() string {
	return "prometheus"
}
