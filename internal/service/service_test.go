// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records lifecycle calls across services
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

type named struct {
	name string
}

func (n named) Name() string {
	return n.name
}

type lifecycle struct {
	named
	j          *journal
	initErr    error
	shutdownFn func() error
}

func (l *lifecycle) Init() error {
	l.j.add("init:" + l.name)
	return l.initErr
}

func (l *lifecycle) Shutdown() error {
	l.j.add("shutdown:" + l.name)
	if l.shutdownFn != nil {
		return l.shutdownFn()
	}
	return nil
}

type runShutdown struct {
	named
	j     *journal
	runFn func(ctx context.Context) error
}

func (r *runShutdown) Run(ctx context.Context) error {
	r.j.add("run:" + r.name)
	return r.runFn(ctx)
}

func (r *runShutdown) Shutdown() error {
	r.j.add("shutdown:" + r.name)
	return nil
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestInit(t *testing.T) {
	t.Run("all services initialize", func(t *testing.T) {
		j := &journal{}
		services := []Service{
			&lifecycle{named: named{"a"}, j: j},
			named{"plain"},
			&lifecycle{named: named{"b"}, j: j},
		}
		require.NoError(t, Init(nil, services))
		assert.Equal(t, []string{"init:a", "init:b"}, j.list())
	})

	t.Run("failure rolls back in reverse order", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("init error")
		services := []Service{
			&lifecycle{named: named{"a"}, j: j},
			&lifecycle{named: named{"b"}, j: j},
			&lifecycle{named: named{"c"}, j: j, initErr: initErr},
			&lifecycle{named: named{"d"}, j: j},
		}

		err := Init(nil, services)
		assert.ErrorIs(t, err, initErr)
		assert.Equal(t, []string{"init:a", "init:b", "init:c", "shutdown:b", "shutdown:a"}, j.list())
	})

	t.Run("rollback errors do not mask the init error", func(t *testing.T) {
		j := &journal{}
		initErr := errors.New("init error")
		shutdownErr := errors.New("shutdown error")
		services := []Service{
			&lifecycle{named: named{"a"}, j: j, shutdownFn: func() error { return shutdownErr }},
			&lifecycle{named: named{"b"}, j: j, initErr: initErr},
		}

		err := Init(nil, services)
		assert.ErrorIs(t, err, initErr)
		assert.NotErrorIs(t, err, shutdownErr)
	})

	t.Run("empty service list", func(t *testing.T) {
		assert.NoError(t, Init(nil, nil))
	})
}

func TestShutdown(t *testing.T) {
	j := &journal{}
	errA := errors.New("a failed")
	services := []Service{
		&lifecycle{named: named{"a"}, j: j, shutdownFn: func() error { return errA }},
		named{"plain"},
		&lifecycle{named: named{"b"}, j: j},
	}

	err := Shutdown(nil, services)
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"shutdown:b", "shutdown:a"}, j.list())
}

func TestRun(t *testing.T) {
	t.Run("first runner to return stops the others", func(t *testing.T) {
		j := &journal{}
		done := errors.New("done")
		services := []Service{
			&runShutdown{named: named{"short"}, j: j, runFn: func(context.Context) error { return done }},
			&runShutdown{named: named{"long"}, j: j, runFn: blockUntilDone},
			named{"plain"},
		}

		err := Run(context.Background(), nil, services)
		assert.ErrorIs(t, err, done)
		calls := j.list()
		assert.Contains(t, calls, "shutdown:short")
		assert.Contains(t, calls, "shutdown:long")
	})

	t.Run("context cancellation stops all runners", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{}, 2)
		runFn := func(ctx context.Context) error {
			started <- struct{}{}
			return blockUntilDone(ctx)
		}
		services := []Service{
			NewRunnerFunc("one", runFn),
			NewRunnerFunc("two", runFn),
		}

		errCh := make(chan error)
		go func() { errCh <- Run(ctx, nil, services) }()
		<-started
		<-started
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})

	t.Run("empty service list", func(t *testing.T) {
		assert.NoError(t, Run(context.Background(), nil, nil))
	})
}

func TestSignalHandler(t *testing.T) {
	t.Run("returns when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sh := NewSignalHandler(nil, syscall.SIGUSR1)
		assert.Equal(t, "signal-handler", sh.Name())

		errCh := make(chan error)
		go func() { errCh <- sh.Run(ctx) }()
		cancel()

		select {
		case err := <-errCh:
			assert.Equal(t, context.Canceled, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}
	})
}
