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


// Package limiters contains the building blocks for rate and
// concurrency limits.
package limiters

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("limiters: limiter is closed")

// L is the common interface of all limiters.
//
// Take blocks until the limiter allows to proceed, it returns false if
// the limiter was closed while waiting. Release must be called once for
// each successful Take or TakeContext.
type L interface {
	Take() bool
	TakeContext(context.Context) error
	Release()
	Close()
}

// MultiLimit takes all wrapped limiters in order and releases them in
// reverse order. An empty MultiLimit never blocks.
type MultiLimit struct {
	Wrapped []L
}

func (ml *MultiLimit) Take() bool {
	for i, l := range ml.Wrapped {
		if !l.Take() {
			ml.releaseFirst(i)
			return false
		}
	}
	return true
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			ml.releaseFirst(i)
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) releaseFirst(n int) {
	for i := n - 1; i >= 0; i-- {
		ml.Wrapped[i].Release()
	}
}

func (ml *MultiLimit) Release() {
	ml.releaseFirst(len(ml.Wrapped))
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}
