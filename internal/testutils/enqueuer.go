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

	"github.com/foxcpp/spoold/framework/module"
)

// Enqueuer records messages instead of storing them.
type Enqueuer struct {
	Err error

	mu     sync.Mutex
	msgs   []*module.Message
	bodies [][]byte
}

func (e *Enqueuer) Enqueue(_ context.Context, msg *module.Message, body []byte) error {
	if e.Err != nil {
		return e.Err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.Key == "" {
		msg.Key = module.GenerateMsgID()
	}
	if msg.State == "" {
		msg.State = module.StateRoot
	}
	e.msgs = append(e.msgs, msg.Clone())
	e.bodies = append(e.bodies, append([]byte(nil), body...))
	return nil
}

// Messages returns copies of the enqueued messages and their bodies.
func (e *Enqueuer) Messages() ([]*module.Message, [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*module.Message(nil), e.msgs...), append([][]byte(nil), e.bodies...)
}
