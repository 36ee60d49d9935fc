// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
		DevFS  string `yaml:"devfs"`
	}

	Rapl struct {
		Enabled *bool    `yaml:"enabled"`
		Zones   []string `yaml:"zones"`
	}

	NVML struct {
		Enabled *bool `yaml:"enabled"`
	}

	MSR struct {
		Enabled  *bool         `yaml:"enabled"`
		Vendor   string        `yaml:"vendor"`
		Cores    *bool         `yaml:"cores"`
		Interval time.Duration `yaml:"interval"`
	}

	Telemetry struct {
		Enabled            *bool         `yaml:"enabled"`
		Name               string        `yaml:"name"`
		Endpoint           string        `yaml:"endpoint"`
		Topic              string        `yaml:"topic"`
		ReadDevicesTimeout time.Duration `yaml:"readDevicesTimeout"`
		ReadEnergyTimeout  time.Duration `yaml:"readEnergyTimeout"`
	}

	Region struct {
		MaxThreads int `yaml:"maxThreads"`
	}

	// Output controls where measure writes its results. File names may
	// contain a {pid} placeholder.
	Output struct {
		File           string `yaml:"file"`
		TimestampsFile string `yaml:"timestampsFile"`
		Format         string `yaml:"format"`
	}

	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeBackend struct {
			Enabled *bool    `yaml:"enabled"`
			Devices []string `yaml:"devices"`
			// MaxEnergy and Increment are in microjoules
			MaxEnergy    uint64        `yaml:"maxEnergy"`
			Increment    uint64        `yaml:"increment"`
			RandomFactor float64       `yaml:"randomFactor"`
			Interval     time.Duration `yaml:"interval"`
		} `yaml:"fake-backend"`
	}

	Config struct {
		Log       Log       `yaml:"log"`
		Host      Host      `yaml:"host"`
		Rapl      Rapl      `yaml:"rapl"`
		NVML      NVML      `yaml:"nvml"`
		MSR       MSR       `yaml:"msr"`
		Telemetry Telemetry `yaml:"telemetry"`
		Region    Region    `yaml:"region"`
		Output    Output    `yaml:"output"`
		Exporter  Exporter  `yaml:"exporter"`
		Web       Web       `yaml:"web"`
		Dev       Dev       `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"
	HostDevFSFlag  = "host.devfs"

	RaplFlag      = "rapl"
	RaplZonesFlag = "rapl.zones"

	NVMLFlag = "nvml"

	MSRFlag         = "msr"
	MSRVendorFlag   = "msr.vendor"
	MSRCoresFlag    = "msr.cores"
	MSRIntervalFlag = "msr.interval"

	TelemetryFlag         = "telemetry"
	TelemetryNameFlag     = "telemetry.name"
	TelemetryEndpointFlag = "telemetry.endpoint"
	TelemetryTopicFlag    = "telemetry.topic"

	RegionMaxThreadsFlag = "region.max-threads"

	OutputFileFlag           = "output.file"
	OutputTimestampsFileFlag = "output.timestamps-file"
	OutputFormatFlag         = "output.format"

	ExporterStdoutFlag         = "exporter.stdout"
	ExporterStdoutIntervalFlag = "exporter.stdout.interval"
	ExporterPrometheusFlag     = "exporter.prometheus"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// WARN: dev settings shouldn't be exposed as flags as flags are intended for end users
)

// Output formats
const (
	FormatCSV   = "csv"
	FormatTable = "table"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
			DevFS:  "/dev",
		},
		Rapl: Rapl{
			Enabled: ptr.To(true),
			Zones:   []string{},
		},
		NVML: NVML{
			Enabled: ptr.To(true),
		},
		MSR: MSR{
			Enabled:  ptr.To(false),
			Vendor:   "auto",
			Cores:    ptr.To(false),
			Interval: time.Second,
		},
		Telemetry: Telemetry{
			Enabled:            ptr.To(false),
			Name:               "telemetry",
			Topic:              "ema/devices",
			ReadDevicesTimeout: 5 * time.Second,
			ReadEnergyTimeout:  time.Second,
		},
		Region: Region{
			MaxThreads: 1024,
		},
		Output: Output{
			File:           "output.EMA.{pid}",
			TimestampsFile: "timestamps.EMA.{pid}",
			Format:         FormatCSV,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 2 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(false),
				DebugCollectors: []string{"go"},
			},
		},
		Web: Web{
			ListenAddresses: []string{":9464"},
		},
	}

	cfg.Dev.FakeBackend.Enabled = ptr.To(false)
	cfg.Dev.FakeBackend.MaxEnergy = 1_000_000
	cfg.Dev.FakeBackend.Increment = 100
	cfg.Dev.FakeBackend.RandomFactor = 0.5
	cfg.Dev.FakeBackend.Interval = time.Second
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader, skips ...SkipValidation) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(skips...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string, skips ...SkipValidation) (cfg *Config, retErr error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	return Load(file, skips...)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").String()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").String()
	hostDevFS := app.Flag(HostDevFSFlag, "Host devfs path").Default("/dev").String()

	rapl := app.Flag(RaplFlag, "Enable the RAPL powercap backend").Default("true").Bool()
	raplZones := app.Flag(RaplZonesFlag, "RAPL zones to measure (package, core, dram, ...); repeat for more").Strings()

	nvml := app.Flag(NVMLFlag, "Enable the NVML GPU backend").Default("true").Bool()

	msr := app.Flag(MSRFlag, "Enable the MSR backend").Default("false").Bool()
	msrVendor := app.Flag(MSRVendorFlag, "MSR register layout: auto, intel or amd").Default("auto").Enum("auto", "intel", "amd")
	msrCores := app.Flag(MSRCoresFlag, "Add per-core MSR devices where the cpu has them").Default("false").Bool()
	msrInterval := app.Flag(MSRIntervalFlag, "Poll interval of the 32 bit MSR counters").Default("1s").Duration()

	telemetry := app.Flag(TelemetryFlag, "Enable the telemetry gateway backend").Default("false").Bool()
	telemetryName := app.Flag(TelemetryNameFlag, "Backend name of the telemetry gateway").Default("telemetry").String()
	telemetryEndpoint := app.Flag(TelemetryEndpointFlag, "WebSocket URL of the telemetry gateway").String()
	telemetryTopic := app.Flag(TelemetryTopicFlag, "Topic on which the gateway registers its sensors").Default("ema/devices").String()

	maxThreads := app.Flag(RegionMaxThreadsFlag, "Maximum number of threads defining regions").Default("1024").Int()

	outputFile := app.Flag(OutputFileFlag, "Results file; {pid} is replaced with the process id").Default("output.EMA.{pid}").String()
	timestampsFile := app.Flag(OutputTimestampsFileFlag, "Timestamps file of measure").Default("timestamps.EMA.{pid}").String()
	outputFormat := app.Flag(OutputFormatFlag, "Results format: csv or table").Default(FormatCSV).Enum(FormatCSV, FormatTable)

	stdoutExporter := app.Flag(ExporterStdoutFlag, "Periodically print device energy to stdout").Default("false").Bool()
	stdoutInterval := app.Flag(ExporterStdoutIntervalFlag, "Print interval of the stdout exporter").Default("2s").Duration()
	prometheusExporter := app.Flag(ExporterPrometheusFlag, "Serve device energy on /metrics").Default("false").Bool()

	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":9464").Strings()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}
		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}
		if flagsSet[HostDevFSFlag] {
			cfg.Host.DevFS = *hostDevFS
		}

		if flagsSet[RaplFlag] {
			cfg.Rapl.Enabled = rapl
		}
		if flagsSet[RaplZonesFlag] {
			cfg.Rapl.Zones = *raplZones
		}

		if flagsSet[NVMLFlag] {
			cfg.NVML.Enabled = nvml
		}

		if flagsSet[MSRFlag] {
			cfg.MSR.Enabled = msr
		}
		if flagsSet[MSRVendorFlag] {
			cfg.MSR.Vendor = *msrVendor
		}
		if flagsSet[MSRCoresFlag] {
			cfg.MSR.Cores = msrCores
		}
		if flagsSet[MSRIntervalFlag] {
			cfg.MSR.Interval = *msrInterval
		}

		if flagsSet[TelemetryFlag] {
			cfg.Telemetry.Enabled = telemetry
		}
		if flagsSet[TelemetryNameFlag] {
			cfg.Telemetry.Name = *telemetryName
		}
		if flagsSet[TelemetryEndpointFlag] {
			cfg.Telemetry.Endpoint = *telemetryEndpoint
		}
		if flagsSet[TelemetryTopicFlag] {
			cfg.Telemetry.Topic = *telemetryTopic
		}

		if flagsSet[RegionMaxThreadsFlag] {
			cfg.Region.MaxThreads = *maxThreads
		}

		if flagsSet[OutputFileFlag] {
			cfg.Output.File = *outputFile
		}
		if flagsSet[OutputTimestampsFileFlag] {
			cfg.Output.TimestampsFile = *timestampsFile
		}
		if flagsSet[OutputFormatFlag] {
			cfg.Output.Format = *outputFormat
		}

		if flagsSet[ExporterStdoutFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporter
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutInterval
		}
		if flagsSet[ExporterPrometheusFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporter
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.DevFS = strings.TrimSpace(c.Host.DevFS)
	for i := range c.Rapl.Zones {
		c.Rapl.Zones[i] = strings.ToLower(strings.TrimSpace(c.Rapl.Zones[i]))
	}
	c.MSR.Vendor = strings.ToLower(strings.TrimSpace(c.MSR.Vendor))
	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	skipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		skipped[v] = true
	}

	var errs []string
	{ // log
		validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLogLevels[c.Log.Level] {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
		if c.Log.Format != "text" && c.Log.Format != "json" {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host
		if !skipped[SkipHostValidation] {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s", c.Host.ProcFS, err.Error()))
			}
			if ptr.Deref(c.MSR.Enabled, false) {
				if err := canReadDir(c.Host.DevFS); err != nil {
					errs = append(errs, fmt.Sprintf("invalid devfs path: %s: %s", c.Host.DevFS, err.Error()))
				}
			}
		}
	}
	{ // msr
		switch c.MSR.Vendor {
		case "auto", "intel", "amd":
		default:
			errs = append(errs, fmt.Sprintf("invalid msr vendor: %s", c.MSR.Vendor))
		}
		if ptr.Deref(c.MSR.Enabled, false) && c.MSR.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid msr interval: %s must be positive", c.MSR.Interval))
		}
	}
	{ // telemetry
		if ptr.Deref(c.Telemetry.Enabled, false) {
			if c.Telemetry.Name == "" {
				errs = append(errs, "telemetry name cannot be empty")
			}
			if c.Telemetry.Topic == "" {
				errs = append(errs, "telemetry topic cannot be empty")
			}
			if err := validateEndpoint(c.Telemetry.Endpoint); err != nil {
				errs = append(errs, fmt.Sprintf("invalid telemetry endpoint %q: %s", c.Telemetry.Endpoint, err.Error()))
			}
		}
		if c.Telemetry.ReadDevicesTimeout < 0 || c.Telemetry.ReadEnergyTimeout < 0 {
			errs = append(errs, "telemetry timeouts can't be negative")
		}
	}
	{ // region
		if c.Region.MaxThreads < 1 {
			errs = append(errs, fmt.Sprintf("invalid region max threads: %d must be at least 1", c.Region.MaxThreads))
		}
	}
	{ // output
		if c.Output.Format != FormatCSV && c.Output.Format != FormatTable {
			errs = append(errs, fmt.Sprintf("invalid output format: %s", c.Output.Format))
		}
	}
	{ // exporters
		if ptr.Deref(c.Exporter.Stdout.Enabled, false) && c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
	}
	{ // web
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
		if ptr.Deref(c.Exporter.Prometheus.Enabled, false) {
			if len(c.Web.ListenAddresses) == 0 {
				errs = append(errs, "at least one web listen address must be specified")
			}
			for _, addr := range c.Web.ListenAddresses {
				if err := validateListenAddress(addr); err != nil {
					errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
				}
			}
		}
	}
	{ // dev
		fake := c.Dev.FakeBackend
		if ptr.Deref(fake.Enabled, false) {
			if fake.MaxEnergy == 0 {
				errs = append(errs, "fake backend max energy must be positive")
			}
			if fake.RandomFactor < 0 || fake.RandomFactor > 1 {
				errs = append(errs, fmt.Sprintf("fake backend random factor %v must be within [0, 1]", fake.RandomFactor))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss")
	}
	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(bytes)
}
