// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"k8s.io/utils/clock"

	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/csv"
	"github.com/SerhiiYahdzhyiev/EMA/internal/service"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// DeviceSource provides the devices whose energy is printed
type DeviceSource interface {
	Devices() []*device.Device
}

// Exporter periodically prints the unwrapped energy of every device
type Exporter struct {
	logger   *slog.Logger
	source   DeviceSource
	out      io.WriteCloser
	clock    clock.WithTicker
	ticker   clock.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	clock    clock.WithTicker
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		clock:    clock.RealClock{},
		interval: 2 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func NewExporter(src DeviceSource, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		source:   src,
		out:      opts.out,
		clock:    opts.clock,
		interval: opts.interval,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval %s", e.interval)
	}
	e.ticker = e.clock.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.ticker.C():
			if err := WriteDevices(e.out, e.source.Devices()); err != nil {
				e.logger.Error("Failed to write device energy", "error", err)
			}
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func (e *Exporter) Shutdown() error {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	if e.out == os.Stdout {
		return nil
	}
	return e.out.Close()
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	return table
}

// WriteDevices prints one row per device with its counter range and
// unwrapped energy
func WriteDevices(out io.Writer, devices []*device.Device) error {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		energy := "n/a"
		if e, err := d.HandledEnergy(); err == nil {
			energy = e.String()
		}
		rows = append(rows, []string{
			d.Name(),
			string(d.Type()),
			d.BackendName(),
			d.UID(),
			d.Interval().String(),
			d.MaxEnergy().String(),
			energy,
		})
	}

	table := newTable(out)
	table.Header([]string{"Device", "Type", "Backend", "UID", "Interval", "Max", "Energy(J)"})
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// WriteResults prints region results as a table
func WriteResults(out io.Writer, rows []csv.Row) error {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		data = append(data, []string{
			strconv.Itoa(r.Thread),
			r.RegionID,
			fmt.Sprintf("%s:%d", r.File, r.Line),
			r.Function,
			strconv.FormatUint(r.Visits, 10),
			r.DeviceName,
			r.DeviceType,
			device.Energy(r.Energy).String(),
			(time.Duration(r.Time) * time.Microsecond).String(),
		})
	}

	table := newTable(out)
	table.Header([]string{"Thread", "Region", "Site", "Function", "Visits", "Device", "Type", "Energy(J)", "Time"})
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
