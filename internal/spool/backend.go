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

package spool

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when there is no message with the requested
	// key.
	ErrNotFound = errors.New("spool: message not found")

	// ErrLocked is returned by operations that need exclusive access to
	// a key held by somebody else.
	ErrLocked = errors.New("spool: message is locked")

	// ErrNoOwner is returned by operations that check messages out
	// without an owner in the context.
	ErrNoOwner = errors.New("spool: no lock owner in context")
)

// Backend is the persistent key-value storage behind the Queue.
//
// Implementations must be safe for concurrent use with different keys.
// Calls for the same key are serialized by the Queue.
type Backend interface {
	// Put creates or replaces the record.
	Put(ctx context.Context, key string, rec []byte) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the record. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns a snapshot of all stored keys. It is not affected by
	// modifications made after it returns.
	Keys(ctx context.Context) ([]string, error)

	Close() error
}

// Quarantiner is implemented by backends that can set aside records that
// cannot be decoded, so they are no longer returned by Keys.
type Quarantiner interface {
	Quarantine(ctx context.Context, key string) error
}
