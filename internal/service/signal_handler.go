// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
)

// ErrInterrupted is returned by SignalHandler.Run when a signal arrives
var ErrInterrupted = errors.New("interrupted by signal")

// SignalHandler is a Runner that returns when one of its signals arrives
type SignalHandler struct {
	logger  *slog.Logger
	signals []os.Signal
}

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	return &SignalHandler{
		logger:  defaultLogger(logger).With("service", "signal-handler"),
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		sh.logger.Info("Received signal", "signal", sig)
		return ErrInterrupted

	case <-ctx.Done():
		return ctx.Err()
	}
}
