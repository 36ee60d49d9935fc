// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"

	"github.com/oklog/run"
)

// Run runs all services implementing Runner until the first one returns,
// then interrupts the rest. Each interrupted runner that is also a
// Shutdowner is shut down. The error of the first runner to return is
// returned.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	logger = defaultLogger(logger)

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(), "reason", "service does not implement Runner")
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", s.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", s.Name(), "reason", err)
				}

				shutdowner, ok := s.(Shutdowner)
				if !ok {
					return
				}
				logger.Info("shutting down", "service", s.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed with error", "service", s.Name(), "error", shutdownErr)
				}
			},
		)
	}

	logger.Info("Running all services")
	return g.Run()
}
