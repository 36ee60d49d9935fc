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
	"os/exec"
	"time"

	"github.com/SerhiiYahdzhyiev/EMA/internal/exporter/csv"
	"github.com/SerhiiYahdzhyiev/EMA/internal/service"
	"github.com/SerhiiYahdzhyiev/EMA/pkg/ema"
)

// regionName is the region wrapping the measured command
const regionName = "region"

// commandRunner runs the measured command inside a single region and
// records its wall-clock bounds
type commandRunner struct {
	logger         *slog.Logger
	ema            *ema.EMA
	args           []string
	timestampsFile string

	// stdio of the child; nil means the null device
	stdin          io.Reader
	stdout, stderr io.Writer
}

var _ service.Runner = (*commandRunner)(nil)

func (r *commandRunner) Name() string {
	return "command"
}

func (r *commandRunner) Run(ctx context.Context) error {
	th := r.ema.NewThread()
	reg, err := th.DefineHere(regionName, nil)
	if err != nil {
		return fmt.Errorf("defining region: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.args[0], r.args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = r.stdin, r.stdout, r.stderr
	// give the child a chance to exit on its own when interrupted
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := reg.Begin(); err != nil {
		r.logger.Warn("Region begin failed", "error", err)
	}
	runErr := cmd.Run()
	if err := reg.End(); err != nil {
		r.logger.Warn("Region end failed", "error", err)
	}
	end := time.Now()

	r.logger.Info("Command finished", "command", r.args[0], "duration", end.Sub(start), "error", runErr)
	return errors.Join(runErr, r.writeTimestamps(start, end))
}

func (r *commandRunner) writeTimestamps(start, end time.Time) (retErr error) {
	if r.timestampsFile == "" {
		return nil
	}
	path := csv.ExpandPath(r.timestampsFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing timestamps: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	return csv.WriteTimestamps(f, csv.NewTimestamps(start, end))
}

// exitCode maps the result of a measure run to a process exit code
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}
