// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is anything with a name that takes part in the process lifecycle
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that must be initialized before use
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that block until their work is done or
// the context is cancelled
type Runner interface {
	Service
	// Run runs the service and is expected to block and be thread safe
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release
type Shutdowner interface {
	Service
	// Shutdown shuts down the service
	Shutdown() error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

var _ Runner = (*RunnerFunc)(nil)

// NewRunnerFunc returns a Runner named name that runs fn
func NewRunnerFunc(name string, fn func(ctx context.Context) error) *RunnerFunc {
	return &RunnerFunc{name: name, fn: fn}
}

func (r *RunnerFunc) Name() string {
	return r.name
}

func (r *RunnerFunc) Run(ctx context.Context) error {
	return r.fn(ctx)
}
