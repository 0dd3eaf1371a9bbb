/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dispatch implements the worker pool moving messages through
// stages, one stage per spool cycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/keylock"
	"github.com/foxcpp/spoold/internal/pipeline"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultThreads       = 10
	DefaultShutdownGrace = 30 * time.Second
	DefaultRetryDelay    = 15 * time.Minute
	defaultBackoff       = time.Second
)

// Queue is the part of *spool.Queue used by the Manager.
type Queue interface {
	Accept(ctx context.Context) (*module.Message, error)
	AcceptDelay(ctx context.Context, delay time.Duration) (*module.Message, error)
	Store(ctx context.Context, msg *module.Message) error
	Remove(ctx context.Context, key string) error
	Unlock(ctx context.Context, key string) bool
}

// RoutingError is returned for messages with the state not naming any
// stage.
type RoutingError struct {
	Stage string
}

func (re *RoutingError) Error() string {
	return "no such stage: " + re.Stage
}

type Options struct {
	Log log.Logger

	// Threads is the number of workers, DefaultThreads if zero.
	Threads int

	// RetryDelay is the minimal time between cycles of a message in the
	// error state. Zero disables the delay. The dispatch config block
	// defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// ShutdownGrace bounds the time Close waits for running cycles,
	// DefaultShutdownGrace if zero.
	ShutdownGrace time.Duration

	// Backoff is the pause after a failed Accept, one second if zero.
	Backoff time.Duration
}

// Manager runs a pool of workers taking messages from the Queue and
// running the stage named by the message state.
type Manager struct {
	q      Queue
	stages map[string]*pipeline.Stage
	opts   Options
	log    log.Logger

	active atomic.Bool
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New checks the stage set and creates a Manager. The root and error
// stages are required.
func New(q Queue, stages map[string]*pipeline.Stage, opts Options) (*Manager, error) {
	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Log.Name == "" {
		opts.Log.Name = "dispatch"
	}

	for _, required := range []string{module.StateRoot, module.StateError} {
		if _, ok := stages[required]; !ok {
			return nil, fmt.Errorf("dispatch: %s stage is not configured", required)
		}
	}
	for name, stage := range stages {
		if name == module.StateGhost {
			return nil, fmt.Errorf("dispatch: %s cannot be used as a stage name", name)
		}
		if !stage.Sealed() {
			return nil, fmt.Errorf("dispatch: stage %s is not sealed", name)
		}
		for _, route := range stage.Routes() {
			if _, ok := stages[route]; !ok && route != module.StateGhost {
				opts.Log.Msg("stage refers to an unknown stage, messages will end up in error", "stage", name, "target", route)
			}
		}
	}

	return &Manager{
		q:      q,
		stages: stages,
		opts:   opts,
		log:    opts.Log,
	}, nil
}

// Start launches the workers.
func (m *Manager) Start() error {
	if !m.active.CompareAndSwap(false, true) {
		return errors.New("dispatch: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.eg = &errgroup.Group{}
	for i := 0; i < m.opts.Threads; i++ {
		id := i
		m.eg.Go(func() error {
			m.worker(ctx, id)
			return nil
		})
	}

	m.log.DebugMsg("started", "threads", m.opts.Threads, "retry_delay", m.opts.RetryDelay)
	return nil
}

func (m *Manager) accept(ctx context.Context) (*module.Message, error) {
	if m.opts.RetryDelay > 0 {
		return m.q.AcceptDelay(ctx, m.opts.RetryDelay)
	}
	return m.q.Accept(ctx)
}

func (m *Manager) worker(ctx context.Context, id int) {
	owner := keylock.NewOwner()
	acceptCtx := keylock.WithOwner(ctx, owner)

	// Running cycles are not interrupted by shutdown, Close waits for
	// them instead.
	cycleCtx := keylock.WithOwner(context.Background(), owner)

	for {
		msg, err := m.accept(acceptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("accept failed", err, "worker", id)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.Backoff):
			}
			continue
		}

		m.handle(cycleCtx, msg)
	}
}

// handle runs one cycle and either retires the message or puts it back
// to the spool.
func (m *Manager) handle(ctx context.Context, msg *module.Message) {
	busyWorkers.Inc()
	defer busyWorkers.Dec()

	stage := msg.State
	result := "ok"
	if err := m.runCycle(ctx, msg); err != nil {
		var routingErr *RoutingError
		if errors.As(err, &routingErr) {
			result = "routing_error"
		} else {
			result = "error"
		}
		m.log.Error("stage failed", err, "msg_key", msg.Key, "stage", stage, "next_state", msg.State)
	}

	if msg.Retired() {
		if result == "ok" {
			result = "retired"
		}
		if err := m.q.Remove(ctx, msg.Key); err != nil {
			m.log.Error("cannot remove message", err, "msg_key", msg.Key)
		} else {
			m.log.DebugMsg("message retired", "msg_key", msg.Key, "stage", stage)
		}
	} else {
		if err := m.q.Store(ctx, msg); err != nil {
			m.log.Error("cannot save message", err, "msg_key", msg.Key)
		}
		m.q.Unlock(ctx, msg.Key)
	}

	cycles.WithLabelValues(stage, result).Inc()
}

// runCycle runs the stage named by msg.State. On failure, the message is
// moved to the error stage or, if it was there already, to ghost.
func (m *Manager) runCycle(ctx context.Context, msg *module.Message) error {
	stageName := msg.State
	if stageName == module.StateGhost {
		return nil
	}

	stage, ok := m.stages[stageName]
	if !ok {
		err := &RoutingError{Stage: stageName}
		m.fail(msg, stageName, err)
		return err
	}

	if err := m.service(ctx, stage, msg); err != nil {
		m.fail(msg, stageName, err)
		return err
	}
	return nil
}

func (m *Manager) fail(msg *module.Message, stageName string, err error) {
	if stageName == module.StateError {
		msg.State = module.StateGhost
	} else {
		msg.State = module.StateError
	}
	msg.ErrorMessage = err.Error()
}

// dontRecover disables the panic handler of stage services so tests
// panic instead of masking bugs.
var dontRecover = false

func (m *Manager) service(ctx context.Context, stage *pipeline.Stage, msg *module.Message) (err error) {
	defer func() {
		if dontRecover {
			return
		}
		if r := recover(); r != nil {
			stack := debug.Stack()
			m.log.Printf("panic in stage %s for %s: %v\n%s", stage.Name(), msg.Key, r, stack)
			err = fmt.Errorf("panic in stage %s: %v", stage.Name(), r)
		}
	}()

	return stage.Service(ctx, msg)
}

// Close stops the workers, waits for running cycles for at most
// ShutdownGrace and closes all stages.
func (m *Manager) Close() error {
	if m.active.CompareAndSwap(true, false) {
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.eg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(m.opts.ShutdownGrace):
			m.log.Msg("shutdown grace period expired, not waiting for running cycles", "grace", m.opts.ShutdownGrace)
		}
	}

	var lastErr error
	for name, stage := range m.stages {
		if err := stage.Close(); err != nil {
			m.log.Error("stage close failed", err, "stage", name)
			lastErr = err
		}
	}
	return lastErr
}
