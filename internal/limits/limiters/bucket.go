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


package limiters

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTooManyBuckets = errors.New("limiters: too many buckets")

type bucket struct {
	l       L
	lastUse time.Time
	inUse   int
}

// BucketSet keeps a separate limiter for each key, created on first use
// by New.
//
// Buckets unused for ReapInterval and not held by anybody are removed
// once the set grows above MaxBuckets. If that is not enough, Take fails
// for new keys.
//
// A BucketSet without a New function is no-op.
type BucketSet struct {
	New          func() L
	ReapInterval time.Duration
	MaxBuckets   int

	mLck sync.Mutex
	m    map[string]*bucket
}

func NewBucketSet(new_ func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          new_,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		m:            make(map[string]*bucket),
	}
}

func (r *BucketSet) Close() {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	for k, v := range r.m {
		v.l.Close()
		delete(r.m, k)
	}
}

// acquire returns the bucket for key with inUse incremented.
func (r *BucketSet) acquire(key string) *bucket {
	r.mLck.Lock()
	defer r.mLck.Unlock()

	b, ok := r.m[key]
	if !ok {
		if len(r.m) >= r.MaxBuckets {
			r.reap(time.Now())
			if len(r.m) >= r.MaxBuckets {
				return nil
			}
		}
		b = &bucket{l: r.New()}
		r.m[key] = b
	}
	b.lastUse = time.Now()
	b.inUse++
	return b
}

func (r *BucketSet) reap(now time.Time) {
	for k, v := range r.m {
		if v.inUse == 0 && now.Sub(v.lastUse) > r.ReapInterval {
			v.l.Close()
			delete(r.m, k)
		}
	}
}

func (r *BucketSet) unuse(b *bucket) {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	b.inUse--
	b.lastUse = time.Now()
}

func (r *BucketSet) Take(key string) bool {
	if r.New == nil {
		return true
	}

	b := r.acquire(key)
	if b == nil {
		return false
	}
	if !b.l.Take() {
		r.unuse(b)
		return false
	}
	return true
}

func (r *BucketSet) TakeContext(ctx context.Context, key string) error {
	if r.New == nil {
		return nil
	}

	b := r.acquire(key)
	if b == nil {
		return ErrTooManyBuckets
	}
	if err := b.l.TakeContext(ctx); err != nil {
		r.unuse(b)
		return err
	}
	return nil
}

// Release undoes a successful Take for key.
func (r *BucketSet) Release(key string) {
	if r.New == nil {
		return
	}

	r.mLck.Lock()
	b, ok := r.m[key]
	r.mLck.Unlock()
	if !ok {
		return
	}
	b.l.Release()
	r.unuse(b)
}

// Len returns the number of buckets.
func (r *BucketSet) Len() int {
	r.mLck.Lock()
	defer r.mLck.Unlock()
	return len(r.m)
}
