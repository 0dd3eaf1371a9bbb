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

// Package pipeline implements stages: named, sealed lists of
// (condition, action) pairs run against a message once per spool cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

var (
	ErrSealed    = errors.New("pipeline: stage is sealed")
	ErrNotSealed = errors.New("pipeline: stage is not sealed")
)

// Splitter stores messages split off when an action changes the state
// of only some recipients. *spool.Queue implements it.
type Splitter interface {
	Duplicate(ctx context.Context, msg *module.Message) (*module.Message, error)
	Store(ctx context.Context, msg *module.Message) error
}

type pair struct {
	cond   module.Condition
	action module.Action
}

// Stage is a named list of (condition, action) pairs.
//
// Pairs are added during configuration, then the stage is sealed and
// Service can be called concurrently.
type Stage struct {
	name     string
	log      log.Logger
	splitter Splitter

	mu      sync.Mutex
	pairs   []pair
	closers []io.Closer
	sealed  atomic.Bool
}

func NewStage(name string, splitter Splitter, logger log.Logger) *Stage {
	return &Stage{
		name:     name,
		log:      logger,
		splitter: splitter,
	}
}

func (s *Stage) Name() string {
	return s.name
}

// Add appends a pair. It fails with ErrSealed after Seal.
func (s *Stage) Add(cond module.Condition, action module.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed.Load() {
		return ErrSealed
	}
	s.pairs = append(s.pairs, pair{cond: cond, action: action})
	return nil
}

// Own makes Close close c.
func (s *Stage) Own(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.closers {
		if existing == c {
			return
		}
	}
	s.closers = append(s.closers, c)
}

// Seal makes the pair list immutable and allows Service calls.
func (s *Stage) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed.Store(true)
}

func (s *Stage) Sealed() bool {
	return s.sealed.Load()
}

// Router is implemented by actions that move messages to other stages.
type Router interface {
	// Routes returns the names of stages the action can set.
	Routes() []string
}

// Routes returns the stage names set by actions of s that implement
// Router.
func (s *Stage) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var routes []string
	for _, p := range s.pairs {
		r, ok := p.action.(Router)
		if !ok {
			continue
		}
		routes = append(routes, r.Routes()...)
	}
	return routes
}

// Len returns the number of pairs.
func (s *Stage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

// Service runs the pairs in order against msg.
//
// Each action gets a copy of msg with only the matched recipients. The
// result is merged back as follows:
//
//   - If all recipients were matched, msg takes the copy as is.
//   - Otherwise, if the copy state is unchanged, recipients removed or
//     added by the action replace the matched ones. Other changes are
//     discarded.
//   - Otherwise the matched recipients leave msg and, unless the copy is
//     ghost or has no recipients, the copy is stored as a new message.
//
// Processing stops when msg has no recipients or its state changes.
// Errors from conditions and actions are returned as is.
func (s *Stage) Service(ctx context.Context, msg *module.Message) error {
	if !s.sealed.Load() {
		return ErrNotSealed
	}

	origState := msg.State
	for i, p := range s.pairs {
		if len(msg.Recipients) == 0 || msg.State != origState {
			break
		}

		matched, err := p.cond.Match(ctx, msg)
		if err != nil {
			return s.pairErr(err, i, p)
		}
		matched = restrict(msg.Recipients, matched)
		if len(matched) == 0 {
			continue
		}

		work := msg.Clone()
		work.Recipients = matched
		if err := p.action.Apply(ctx, work); err != nil {
			return s.pairErr(err, i, p)
		}

		if err := s.reconcile(ctx, msg, work, matched); err != nil {
			return s.pairErr(err, i, p)
		}
	}
	return nil
}

func (s *Stage) pairErr(err error, i int, p pair) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"stage":     s.name,
		"pair":      i,
		"condition": objectName(p.cond),
		"action":    objectName(p.action),
	})
}

func (s *Stage) reconcile(ctx context.Context, msg, work *module.Message, matched []string) error {
	if len(matched) == len(msg.Recipients) {
		key, body := msg.Key, msg.Body
		*msg = *work
		msg.Key = key
		msg.Body = body
		return nil
	}

	for _, rcpt := range matched {
		msg.RemoveRcpt(rcpt)
	}

	if work.State == msg.State {
		for _, rcpt := range work.Recipients {
			msg.AddRcpt(rcpt)
		}
		return nil
	}

	if work.State == module.StateGhost || len(work.Recipients) == 0 {
		s.log.DebugMsg("recipients dropped", "msg_key", msg.Key, "rcpts", matched)
		return nil
	}

	if s.splitter == nil {
		return fmt.Errorf("pipeline: stage %s cannot split messages", s.name)
	}
	split, err := s.splitter.Duplicate(ctx, work)
	if err != nil {
		return fmt.Errorf("pipeline: split: %w", err)
	}
	if err := s.splitter.Store(ctx, split); err != nil {
		return fmt.Errorf("pipeline: split: %w", err)
	}
	s.log.Msg("message split", "msg_key", msg.Key, "new_msg_key", split.Key, "rcpts", split.Recipients, "state", split.State)
	return nil
}

// restrict returns matched recipients present in rcpts, without
// duplicates.
func restrict(rcpts, matched []string) []string {
	res := make([]string, 0, len(matched))
	for _, m := range matched {
		dup := false
		for _, r := range res {
			if r == m {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		for _, r := range rcpts {
			if r == m {
				res = append(res, m)
				break
			}
		}
	}
	return res
}

// Close closes the modules owned by the stage.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Error("close failed", err, "module", objectName(c))
			lastErr = err
		}
	}
	s.closers = nil
	return lastErr
}
