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

// Package keylock implements non-blocking, non-reentrant ownership of
// string keys.
//
// The spool uses a Locker to guarantee that at most one worker handles a
// message at a time. Ownership is tracked by Owner tokens rather than
// goroutines, a worker carries its token in the context.
package keylock

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Owner identifies the holder of a lock. The zero value is not a valid
// owner.
type Owner uint64

var lastOwner uint64

// NewOwner returns a process-unique owner token.
func NewOwner() Owner {
	return Owner(atomic.AddUint64(&lastOwner, 1))
}

type ownerCtxKey struct{}

// WithOwner returns a context carrying the owner token.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, o)
}

// OwnerFrom returns the owner stored in ctx. ok is false if there is none.
func OwnerFrom(ctx context.Context) (o Owner, ok bool) {
	o, ok = ctx.Value(ownerCtxKey{}).(Owner)
	return o, ok && o != 0
}

const shardCount = 32

type shard struct {
	lock   sync.Mutex
	owners map[string]Owner
}

// Locker is a table of held keys. Unrelated keys mostly land in
// different shards and do not contend.
type Locker struct {
	shards [shardCount]shard
}

func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].owners = make(map[string]Owner)
	}
	return l
}

func (l *Locker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Lock acquires key for owner. It returns false if the key is held by
// anyone, including owner itself.
func (l *Locker) Lock(key string, owner Owner) bool {
	if owner == 0 {
		panic("keylock: zero owner")
	}

	s := l.shardFor(key)
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, held := s.owners[key]; held {
		return false
	}
	s.owners[key] = owner
	return true
}

// Unlock releases key if it is held by owner and reports whether it was
// released.
func (l *Locker) Unlock(key string, owner Owner) bool {
	s := l.shardFor(key)
	s.lock.Lock()
	defer s.lock.Unlock()

	if cur, held := s.owners[key]; !held || cur != owner {
		return false
	}
	delete(s.owners, key)
	return true
}

func (l *Locker) IsLocked(key string) bool {
	s := l.shardFor(key)
	s.lock.Lock()
	defer s.lock.Unlock()

	_, held := s.owners[key]
	return held
}

// HeldBy reports whether key is currently held by owner.
func (l *Locker) HeldBy(key string, owner Owner) bool {
	s := l.shardFor(key)
	s.lock.Lock()
	defer s.lock.Unlock()

	cur, held := s.owners[key]
	return held && cur == owner
}
