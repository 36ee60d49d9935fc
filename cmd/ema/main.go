// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/SerhiiYahdzhyiev/EMA/config"
	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/prometheus"
	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/stdout"
	"github.com/SerhiiYahdzhyiev/EMA/internal/logger"
	"github.com/SerhiiYahdzhyiev/EMA/internal/server"
	"github.com/SerhiiYahdzhyiev/EMA/internal/service"
	"github.com/SerhiiYahdzhyiev/EMA/internal/version"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/ema"
)

func main() {
	app := kingpin.New("ema", "Measures the energy and time spent in code regions.")
	app.Version(version.Info().String())
	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)

	measureCmd := app.Command("measure", "Run a command inside a measured region and write the results.")
	command := measureCmd.Arg("command", "Command and arguments to measure").Required().Strings()
	devicesCmd := app.Command("devices", "List the devices of all enabled backends.")

	selected := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig(*configFile, updateConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logVersionInfo(log)
	log.Debug("Configuration", "config", cfg.String())

	switch selected {
	case measureCmd.FullCommand():
		os.Exit(measure(cfg, log, *command))
	case devicesCmd.FullCommand():
		if err := listDevices(cfg, log, os.Stdout); err != nil {
			log.Error("Listing devices failed", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig(path string, update config.ConfigUpdaterFn) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		cfg = loaded
	}
	// flags override the file
	if err := update(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("EMA version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func newEMA(cfg *config.Config, log *slog.Logger, outputFile string) (*ema.EMA, error) {
	backends, err := createBackends(cfg, log)
	if err != nil {
		return nil, err
	}
	return ema.New(
		ema.WithLogger(log),
		ema.WithBackends(backends...),
		ema.WithMaxThreads(cfg.Region.MaxThreads),
		ema.WithOutputFile(outputFile),
	), nil
}

func listDevices(cfg *config.Config, log *slog.Logger, out io.Writer) error {
	e, err := newEMA(cfg, log, "")
	if err != nil {
		return err
	}
	if err := e.Init(); err != nil {
		return err
	}
	return errors.Join(stdout.WriteDevices(out, e.Devices()), e.Shutdown())
}

// createServices returns the services of a measure run in init order
func createServices(cfg *config.Config, log *slog.Logger, e *ema.EMA, runner service.Runner) ([]service.Service, error) {
	services := []service.Service{e}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		apiServer := server.NewAPIServer(
			server.WithLogger(log),
			server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
		)
		collectors, err := prometheus.CreateCollectors(e,
			prometheus.WithLogger(log),
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
		)
		if err != nil {
			return nil, fmt.Errorf("creating collectors: %w", err)
		}
		services = append(services,
			apiServer,
			prometheus.NewExporter(apiServer,
				prometheus.WithLogger(log),
				prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
				prometheus.WithCollectors(collectors),
			),
		)
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		services = append(services, stdout.NewExporter(e,
			stdout.WithLogger(log),
			stdout.WithOutput(os.Stdout),
			stdout.WithInterval(cfg.Exporter.Stdout.Interval),
		))
	}

	services = append(services,
		runner,
		service.NewSignalHandler(log, os.Interrupt, syscall.SIGTERM),
	)
	return services, nil
}

// measure runs args in a region and returns the process exit code
func measure(cfg *config.Config, log *slog.Logger, args []string) int {
	outputFile := cfg.Output.File
	if cfg.Output.Format != config.FormatCSV {
		outputFile = ""
	}
	e, err := newEMA(cfg, log, outputFile)
	if err != nil {
		log.Error("Creating EMA failed", "error", err)
		return 1
	}

	runner := &commandRunner{
		logger:         log.With("service", "command"),
		ema:            e,
		args:           args,
		timestampsFile: cfg.Output.TimestampsFile,
		stdin:          os.Stdin,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
	}
	services, err := createServices(cfg, log, e, runner)
	if err != nil {
		log.Error("Creating services failed", "error", err)
		return 1
	}

	if err := service.Init(log, services); err != nil {
		log.Error("Initialization failed", "error", err)
		return 1
	}

	runErr := service.Run(context.Background(), log, services)
	if errors.Is(runErr, service.ErrInterrupted) {
		log.Warn("Measurement interrupted")
	}

	if cfg.Output.Format == config.FormatTable {
		if err := e.WriteTable(os.Stdout); err != nil {
			log.Error("Writing results failed", "error", err)
		}
	}
	// runners were shut down by Run; finalizing EMA writes the results
	if err := e.Shutdown(); err != nil {
		log.Error("Finalizing EMA failed", "error", err)
		if runErr == nil {
			return 1
		}
	}
	return exitCode(runErr)
}
