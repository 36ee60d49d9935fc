// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return logger
}

// Init initializes the services implementing Initializer in order. When one
// fails, the services initialized before it are shut down in reverse order
// and the initialization error is returned.
func Init(logger *slog.Logger, services []Service) error {
	logger = defaultLogger(logger)

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			logger.Debug("skipping service initialization", "service", s.Name(),
				"reason", "service does not implement Initializer")
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			logger.Info("Shutting down initialized services")
			_ = Shutdown(logger, initialized)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		initialized = append(initialized, s)
	}
	return nil
}

// Shutdown shuts down the services implementing Shutdowner in reverse order.
// Every service is attempted; the errors are logged and joined.
func Shutdown(logger *slog.Logger, services []Service) error {
	logger = defaultLogger(logger)

	var errs []error
	for _, s := range slices.Backward(services) {
		srv, ok := s.(Shutdowner)
		if !ok {
			logger.Debug("skipping service shutdown", "service", s.Name(),
				"reason", "service does not implement Shutdowner")
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Name(), err))
			continue
		}
		logger.Debug("service shutdown successfully", "service", s.Name())
	}
	return errors.Join(errs...)
}
