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

package testutils

import (
	"context"
	"sync"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
)

// Condition matches the recipients listed in Rcpts, or all recipients if
// Rcpts is nil.
type Condition struct {
	Rcpts []string
	Err   error

	// Panic makes Match panic with this value if it is not nil.
	Panic interface{}

	mu    sync.Mutex
	calls int
}

func (c *Condition) Match(_ context.Context, msg *module.Message) ([]string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.Panic != nil {
		panic(c.Panic)
	}
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Rcpts == nil {
		return append([]string(nil), msg.Recipients...), nil
	}

	var matched []string
	for _, rcpt := range msg.Recipients {
		for _, want := range c.Rcpts {
			if rcpt == want {
				matched = append(matched, rcpt)
			}
		}
	}
	return matched, nil
}

func (c *Condition) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Condition) Init(*config.Map) error { return nil }
func (c *Condition) Name() string          { return "condition.test" }
func (c *Condition) InstanceName() string  { return "" }

// Action records recipient sets it was applied to and then calls Fn.
type Action struct {
	Fn  func(msg *module.Message) error
	Err error

	mu     sync.Mutex
	seen   [][]string
	closed int
}

func (a *Action) Apply(_ context.Context, msg *module.Message) error {
	a.mu.Lock()
	a.seen = append(a.seen, append([]string(nil), msg.Recipients...))
	a.mu.Unlock()

	if a.Err != nil {
		return a.Err
	}
	if a.Fn != nil {
		return a.Fn(msg)
	}
	return nil
}

// Seen returns the recipient sets of all Apply calls so far.
func (a *Action) Seen() [][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]string(nil), a.seen...)
}

func (a *Action) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

func (a *Action) Closed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Action) Init(*config.Map) error { return nil }
func (a *Action) Name() string          { return "action.test" }
func (a *Action) InstanceName() string  { return "" }

// SetState returns an Action function moving the message to state.
func SetState(state string) func(*module.Message) error {
	return func(msg *module.Message) error {
		msg.State = state
		return nil
	}
}

// RemoveAll returns an Action function marking all given recipients as
// handled.
func RemoveAll() func(*module.Message) error {
	return func(msg *module.Message) error {
		msg.Recipients = nil
		return nil
	}
}
