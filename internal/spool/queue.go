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

// Package spool implements the message spool: durable keyed storage for
// messages and the scheduling of their processing.
//
// Every message is checked out by at most one owner at a time. Owners
// are keylock.Owner tokens passed in the context using
// keylock.WithOwner.
package spool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/foxcpp/spoold/framework/buffer"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/keylock"
)

type Options struct {
	// Name is used as the metrics label, "spool" if empty.
	Name string

	Log log.Logger

	// BodyTimeout bounds blob store calls made when a body is opened.
	BodyTimeout time.Duration

	// Now is used instead of time.Now if set.
	Now func() time.Time
}

// Queue is the message spool.
//
// Store and Remove are safe to call concurrently for different keys.
// Calls for the same key are serialized by the key lock.
type Queue struct {
	name        string
	log         log.Logger
	backend     Backend
	blobs       module.BlobStore
	locks       *keylock.Locker
	bodyTimeout time.Duration
	now         func() time.Time

	notifyLock sync.Mutex
	notifyCh   chan struct{}
}

// New creates a Queue on top of backend. blobs can be nil, in this case
// message bodies are not stored.
func New(backend Backend, blobs module.BlobStore, opts Options) *Queue {
	q := &Queue{
		name:        opts.Name,
		log:         opts.Log,
		backend:     backend,
		blobs:       blobs,
		locks:       keylock.New(),
		bodyTimeout: opts.BodyTimeout,
		now:         opts.Now,
		notifyCh:    make(chan struct{}),
	}
	if q.name == "" {
		q.name = "spool"
	}
	if q.log.Name == "" {
		q.log.Name = "spool"
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Locks returns the lock table used by q. It is meant for inspection.
func (q *Queue) Locks() *keylock.Locker {
	return q.locks
}

// notify wakes all goroutines blocked in Accept.
func (q *Queue) notify() {
	q.notifyLock.Lock()
	defer q.notifyLock.Unlock()
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

func (q *Queue) waitCh() <-chan struct{} {
	q.notifyLock.Lock()
	defer q.notifyLock.Unlock()
	return q.notifyCh
}

// lockFor acquires key unless the owner from ctx already holds it. The
// returned function undoes what lockFor did.
func (q *Queue) lockFor(ctx context.Context, key string) (release func(), err error) {
	owner, ok := keylock.OwnerFrom(ctx)
	if ok && q.locks.HeldBy(key, owner) {
		return func() {}, nil
	}
	if !ok {
		owner = keylock.NewOwner()
	}
	if !q.locks.Lock(key, owner) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	return func() { q.locks.Unlock(key, owner) }, nil
}

// Store creates or replaces the message and sets msg.LastUpdated.
//
// If the owner from ctx holds the key, the message is written as is.
// Otherwise the key is locked for the duration of the write and
// ErrLocked is returned if somebody else holds it.
func (q *Queue) Store(ctx context.Context, msg *module.Message) error {
	if msg.Key == "" {
		return errors.New("spool: message without key")
	}

	release, err := q.lockFor(ctx, msg.Key)
	if err != nil {
		return err
	}

	msg.LastUpdated = q.now()
	rec, err := encodeRecord(msg)
	if err == nil {
		err = q.backend.Put(ctx, msg.Key, rec)
	}
	release()
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{"msg_key": msg.Key})
	}

	q.notify()
	return nil
}

// StoreNew saves the body to the blob store and stores the message.
// Empty msg.Key, msg.State and msg.Created are filled in.
func (q *Queue) StoreNew(ctx context.Context, msg *module.Message, body io.Reader) error {
	if msg.Key == "" {
		msg.Key = module.GenerateMsgID()
	}
	if msg.State == "" {
		msg.State = module.StateRoot
	}
	if msg.Created.IsZero() {
		msg.Created = q.now()
	}

	if q.blobs != nil && body != nil {
		size, err := q.writeBody(ctx, msg.Key, body, module.UnknownBlobSize)
		if err != nil {
			return err
		}
		msg.Body = buffer.BlobBuffer{Store: q.blobs, Key: msg.Key, Size: int(size), Timeout: q.bodyTimeout}
	}

	if err := q.Store(ctx, msg); err != nil {
		if q.blobs != nil && body != nil {
			if err := q.blobs.Delete(ctx, []string{msg.Key}); err != nil {
				q.log.Error("failed to remove body", err, "msg_key", msg.Key)
			}
		}
		return err
	}

	q.log.DebugMsg("stored new message", "msg_key", msg.Key, "sender", msg.Sender, "rcpts", msg.Recipients)
	return nil
}

// Enqueue implements module.Enqueuer.
func (q *Queue) Enqueue(ctx context.Context, msg *module.Message, body []byte) error {
	return q.StoreNew(ctx, msg, bytes.NewReader(body))
}

func (q *Queue) writeBody(ctx context.Context, key string, body io.Reader, size int64) (int64, error) {
	blob, err := q.blobs.Create(ctx, key, size)
	if err != nil {
		return 0, fmt.Errorf("spool: create body: %w", err)
	}
	defer blob.Close()

	n, err := io.Copy(blob, body)
	if err != nil {
		return 0, fmt.Errorf("spool: write body: %w", err)
	}
	if err := blob.Sync(); err != nil {
		return 0, fmt.Errorf("spool: write body: %w", err)
	}
	return n, nil
}

// Duplicate returns a copy of msg with a new key and a separate copy of
// the body. The copy is not stored.
func (q *Queue) Duplicate(ctx context.Context, msg *module.Message) (*module.Message, error) {
	cpy := msg.Clone()
	cpy.Key = module.GenerateMsgID()
	cpy.Body = nil

	if msg.Body == nil || q.blobs == nil {
		return cpy, nil
	}

	r, err := msg.Body.Open()
	if err != nil {
		return nil, fmt.Errorf("spool: duplicate %s: %w", msg.Key, err)
	}
	defer r.Close()

	size, err := q.writeBody(ctx, cpy.Key, r, int64(msg.Body.Len()))
	if err != nil {
		return nil, err
	}
	cpy.Body = buffer.BlobBuffer{Store: q.blobs, Key: cpy.Key, Size: int(size), Timeout: q.bodyTimeout}
	return cpy, nil
}

// Retrieve reads the message without locking it.
func (q *Queue) Retrieve(ctx context.Context, key string) (*module.Message, error) {
	data, err := q.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data, q.blobs, q.bodyTimeout)
}

// Remove deletes the message and its body.
//
// The caller should hold the key. If it does not, the key is locked for
// the removal and ErrLocked is returned if somebody else holds it. The
// key is unlocked afterwards in both cases.
func (q *Queue) Remove(ctx context.Context, key string) error {
	owner, ok := keylock.OwnerFrom(ctx)
	if !ok || !q.locks.HeldBy(key, owner) {
		if !ok {
			owner = keylock.NewOwner()
		}
		if !q.locks.Lock(key, owner) {
			return fmt.Errorf("%w: %s", ErrLocked, key)
		}
	}
	defer func() {
		q.locks.Unlock(key, owner)
		q.notify()
	}()

	if err := q.backend.Delete(ctx, key); err != nil {
		return exterrors.WithFields(fmt.Errorf("spool: remove: %w", err), map[string]interface{}{"msg_key": key})
	}
	if q.blobs != nil {
		if err := q.blobs.Delete(ctx, []string{key}); err != nil {
			// The record is gone already, nothing refers to the body.
			q.log.Error("failed to remove body", err, "msg_key", key)
		}
	}
	return nil
}

// List returns the keys of all messages.
func (q *Queue) List(ctx context.Context) ([]string, error) {
	keys, err := q.backend.Keys(ctx)
	if err != nil {
		return nil, err
	}
	spoolLength.WithLabelValues(q.name).Set(float64(len(keys)))
	return keys, nil
}

// Unlock releases a message checked out by the owner from ctx. It
// reports whether the key was released.
func (q *Queue) Unlock(ctx context.Context, key string) bool {
	owner, ok := keylock.OwnerFrom(ctx)
	if !ok {
		return false
	}
	if !q.locks.Unlock(key, owner) {
		return false
	}
	q.notify()
	return true
}

// Accept blocks until some message can be locked and returns it checked
// out by the owner from ctx.
//
// The error is ctx.Err() if ctx is cancelled while waiting.
func (q *Queue) Accept(ctx context.Context) (*module.Message, error) {
	return q.accept(ctx, 0, false)
}

// AcceptDelay is like Accept, but messages in the error state become
// eligible only delay after their last update.
func (q *Queue) AcceptDelay(ctx context.Context, delay time.Duration) (*module.Message, error) {
	return q.accept(ctx, delay, true)
}

func (q *Queue) accept(ctx context.Context, delay time.Duration, useDelay bool) (*module.Message, error) {
	owner, ok := keylock.OwnerFrom(ctx)
	if !ok {
		return nil, ErrNoOwner
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Taken before the scan so a notification sent during the scan
		// is not missed.
		wake := q.waitCh()

		msg, nextEligible, err := q.scan(ctx, owner, delay, useDelay)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)
		if !nextEligible.IsZero() {
			timer = time.NewTimer(nextEligible.Sub(q.now()))
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
		case <-wake:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// scan tries to check out one eligible message. If there is none, it
// returns the earliest time a delayed message becomes eligible or zero
// time if there are no delayed messages.
func (q *Queue) scan(ctx context.Context, owner keylock.Owner, delay time.Duration, useDelay bool) (*module.Message, time.Time, error) {
	keys, err := q.List(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	var nextEligible time.Time
	now := q.now()
	for _, key := range keys {
		if !q.locks.Lock(key, owner) {
			continue
		}

		msg, err := q.Retrieve(ctx, key)
		if err != nil {
			q.locks.Unlock(key, owner)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, time.Time{}, ctx.Err()
			}
			if errors.Is(err, errMalformed) {
				q.quarantine(ctx, key, err)
			} else {
				q.log.Error("cannot read message, skipping", err, "msg_key", key)
			}
			continue
		}

		if useDelay && msg.State == module.StateError {
			eligible := msg.LastUpdated.Add(delay)
			if now.Before(eligible) {
				q.locks.Unlock(key, owner)
				if nextEligible.IsZero() || eligible.Before(nextEligible) {
					nextEligible = eligible
				}
				continue
			}
		}

		return msg, time.Time{}, nil
	}

	return nil, nextEligible, nil
}

func (q *Queue) quarantine(ctx context.Context, key string, err error) {
	q.log.Error("malformed message record, skipping", err, "msg_key", key)

	quar, ok := q.backend.(Quarantiner)
	if !ok {
		return
	}
	if err := quar.Quarantine(ctx, key); err != nil {
		q.log.Error("failed to quarantine message", err, "msg_key", key)
	}
}

// Close closes the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}
