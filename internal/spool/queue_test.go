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
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/keylock"
	"github.com/foxcpp/spoold/internal/storage/blob/memory"
	"github.com/foxcpp/spoold/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *memory.Store) {
	t.Helper()
	blobs := memory.NewStore("test")
	q := New(NewMemoryBackend(), blobs, Options{
		Name: t.Name(),
		Log:  testutils.Logger(t, "spool"),
	})
	return q, blobs
}

func ownerCtx() context.Context {
	return keylock.WithOwner(context.Background(), keylock.NewOwner())
}

func testMessage(key, state string, rcpts ...string) *module.Message {
	hdr := textproto.Header{}
	hdr.Add("Subject", "test")
	hdr.Add("Message-Id", "<"+key+"@example.org>")
	return &module.Message{
		Key:        key,
		Sender:     "sender@example.org",
		Recipients: rcpts,
		State:      state,
		Header:     hdr,
	}
}

func TestQueue_StoreRetrieve(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := testMessage("k1", module.StateRoot, "a@example.org", "b@example.org")
	msg.SetAttr("delivery_attempts", "2")
	msg.ErrorMessage = "boom"
	require.NoError(t, q.StoreNew(ctx, msg, strings.NewReader("body text")))
	assert.False(t, msg.LastUpdated.IsZero())

	got, err := q.Retrieve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, msg.Sender, got.Sender)
	assert.Equal(t, msg.Recipients, got.Recipients)
	assert.Equal(t, module.StateRoot, got.State)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, "2", got.Attr("delivery_attempts"))
	assert.Equal(t, "test", got.Header.Get("Subject"))
	assert.True(t, msg.LastUpdated.Equal(got.LastUpdated))

	r, err := got.Body.Open()
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "body text", string(body))
	assert.Equal(t, len("body text"), got.Body.Len())

	_, err = q.Retrieve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_StoreNewDefaults(t *testing.T) {
	q, _ := newTestQueue(t)

	msg := &module.Message{Recipients: []string{"a@example.org"}}
	require.NoError(t, q.Enqueue(context.Background(), msg, []byte("x")))
	assert.NotEmpty(t, msg.Key)
	assert.Equal(t, module.StateRoot, msg.State)
	assert.False(t, msg.Created.IsZero())
}

func TestQueue_StoreLockedByOther(t *testing.T) {
	q, _ := newTestQueue(t)
	worker := ownerCtx()

	require.NoError(t, q.Store(context.Background(), testMessage("k1", module.StateRoot, "a@example.org")))
	msg, err := q.Accept(worker)
	require.NoError(t, err)

	// Held by the worker, anybody else fails.
	err = q.Store(context.Background(), testMessage("k1", "other", "a@example.org"))
	assert.ErrorIs(t, err, ErrLocked)

	// The holder does not need to re-acquire the lock and keeps it.
	msg.State = "other"
	require.NoError(t, q.Store(worker, msg))
	owner, _ := keylock.OwnerFrom(worker)
	assert.True(t, q.Locks().HeldBy("k1", owner))

	assert.True(t, q.Unlock(worker, "k1"))
	assert.False(t, q.Locks().IsLocked("k1"))
}

func TestQueue_StoreReleasesTransientLock(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Store(ownerCtx(), testMessage("k1", module.StateRoot, "a@example.org")))
	assert.False(t, q.Locks().IsLocked("k1"))
}

func TestQueue_Remove(t *testing.T) {
	q, blobs := newTestQueue(t)
	ctx := context.Background()
	worker := ownerCtx()

	require.NoError(t, q.StoreNew(ctx, testMessage("k1", module.StateRoot, "a@example.org"), strings.NewReader("x")))
	assert.Equal(t, 1, blobs.Len())

	_, err := q.Accept(worker)
	require.NoError(t, err)

	// Somebody else cannot remove a checked out message.
	assert.ErrorIs(t, q.Remove(ctx, "k1"), ErrLocked)

	require.NoError(t, q.Remove(worker, "k1"))
	assert.False(t, q.Locks().IsLocked("k1"))
	assert.Equal(t, 0, blobs.Len())

	_, err = q.Retrieve(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_UnlockIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	worker := ownerCtx()

	require.NoError(t, q.Store(context.Background(), testMessage("k1", module.StateRoot, "a@example.org")))
	_, err := q.Accept(worker)
	require.NoError(t, err)

	assert.False(t, q.Unlock(ownerCtx(), "k1"), "unlock by non-owner succeeded")
	assert.False(t, q.Unlock(context.Background(), "k1"), "unlock without owner succeeded")
	assert.True(t, q.Unlock(worker, "k1"))
	assert.False(t, q.Unlock(worker, "k1"), "second unlock succeeded")
}

func TestQueue_ListSnapshot(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, q.Store(ctx, testMessage(key, module.StateRoot, "a@example.org")))
	}

	keys, err := q.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, keys)

	for _, key := range keys {
		require.NoError(t, q.Remove(ctx, key))
		require.NoError(t, q.Store(ctx, testMessage(key+"-new", module.StateRoot, "a@example.org")))
	}
	assert.Len(t, keys, 3)
}

func TestQueue_AcceptSkipsLocked(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	w1, w2 := ownerCtx(), ownerCtx()

	require.NoError(t, q.Store(ctx, testMessage("k1", module.StateRoot, "a@example.org")))
	require.NoError(t, q.Store(ctx, testMessage("k2", module.StateRoot, "a@example.org")))

	m1, err := q.Accept(w1)
	require.NoError(t, err)
	m2, err := q.Accept(w2)
	require.NoError(t, err)
	assert.NotEqual(t, m1.Key, m2.Key)
}

func TestQueue_AcceptWithoutOwner(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Accept(context.Background())
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestQueue_AcceptCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(ownerCtx())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Accept(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after cancellation")
	}
}

func TestQueue_AcceptWakesOnStore(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(ownerCtx(), 5*time.Second)
	defer cancel()

	msgCh := make(chan *module.Message, 1)
	go func() {
		msg, err := q.Accept(ctx)
		assert.NoError(t, err)
		msgCh <- msg
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Store(context.Background(), testMessage("k1", module.StateRoot, "a@example.org")))

	msg := <-msgCh
	require.NotNil(t, msg)
	assert.Equal(t, "k1", msg.Key)
}

func TestQueue_AcceptWakesOnUnlock(t *testing.T) {
	q, _ := newTestQueue(t)
	w1 := ownerCtx()
	ctx, cancel := context.WithTimeout(ownerCtx(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Store(context.Background(), testMessage("k1", module.StateRoot, "a@example.org")))
	_, err := q.Accept(w1)
	require.NoError(t, err)

	msgCh := make(chan *module.Message, 1)
	go func() {
		msg, err := q.Accept(ctx)
		assert.NoError(t, err)
		msgCh <- msg
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, q.Unlock(w1, "k1"))

	msg := <-msgCh
	require.NotNil(t, msg)
	assert.Equal(t, "k1", msg.Key)
}

func TestQueue_AcceptDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	worker := ownerCtx()

	stored := time.Now()
	require.NoError(t, q.Store(ctx, testMessage("failed", module.StateError, "a@example.org")))

	// Messages in other states are not delayed.
	require.NoError(t, q.Store(ctx, testMessage("fresh", module.StateRoot, "a@example.org")))
	msg, err := q.AcceptDelay(worker, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "fresh", msg.Key)
	require.NoError(t, q.Remove(worker, "fresh"))

	msg, err = q.AcceptDelay(worker, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "failed", msg.Key)
	assert.GreaterOrEqual(t, time.Since(stored), 300*time.Millisecond)
}

func TestQueue_AcceptDelayEligibility(t *testing.T) {
	now := time.Unix(1000, 0)
	var nowLock sync.Mutex
	q := New(NewMemoryBackend(), nil, Options{
		Log: testutils.Logger(t, "spool"),
		Now: func() time.Time {
			nowLock.Lock()
			defer nowLock.Unlock()
			return now
		},
	})
	ctx := context.Background()

	require.NoError(t, q.Store(ctx, testMessage("late", module.StateError, "a@example.org")))
	nowLock.Lock()
	now = now.Add(-30 * time.Second)
	nowLock.Unlock()
	require.NoError(t, q.Store(ctx, testMessage("early", module.StateError, "a@example.org")))
	nowLock.Lock()
	now = time.Unix(1000, 0).Add(45 * time.Second)
	nowLock.Unlock()

	// Only "early" (updated at 970) is eligible at 1045 with 60s delay.
	msg, err := q.AcceptDelay(ownerCtx(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "early", msg.Key)
}

func TestQueue_Duplicate(t *testing.T) {
	q, blobs := newTestQueue(t)
	ctx := context.Background()

	msg := testMessage("k1", "stage", "a@example.org", "b@example.org")
	require.NoError(t, q.StoreNew(ctx, msg, strings.NewReader("payload")))

	cpy, err := q.Duplicate(ctx, msg)
	require.NoError(t, err)
	assert.NotEqual(t, msg.Key, cpy.Key)
	assert.Equal(t, msg.Recipients, cpy.Recipients)
	require.NoError(t, q.Store(ctx, cpy))
	assert.Equal(t, 2, blobs.Len())

	// Removing the original keeps the copy's body.
	require.NoError(t, q.Remove(ctx, msg.Key))
	got, err := q.Retrieve(ctx, cpy.Key)
	require.NoError(t, err)
	r, err := got.Body.Open()
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestQueue_MalformedRecordQuarantined(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), testutils.Logger(t, "spool"))
	require.NoError(t, err)
	q := New(backend, nil, Options{Log: testutils.Logger(t, "spool")})

	require.NoError(t, backend.Put(context.Background(), "broken", []byte("{not json")))
	require.NoError(t, q.Store(context.Background(), testMessage("ok", module.StateRoot, "a@example.org")))

	worker := ownerCtx()
	msg, err := q.Accept(worker)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Key)

	// With "ok" checked out, the next scan has to go through the broken
	// record and ends up waiting.
	ctx, cancel := context.WithTimeout(worker, 100*time.Millisecond)
	defer cancel()
	_, err = q.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	keys, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, keys)
}

func TestQueue_AtMostOneOwner(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		require.NoError(t, q.Store(ctx, testMessage(key, module.StateRoot, "a@example.org")))
	}

	var (
		mu     sync.Mutex
		active = map[string]bool{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := ownerCtx()
			for j := 0; j < 50; j++ {
				msg, err := q.Accept(worker)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, active[msg.Key], "message %s checked out twice", msg.Key)
				active[msg.Key] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active[msg.Key] = false
				mu.Unlock()
				assert.True(t, q.Unlock(worker, msg.Key))
			}
		}()
	}
	wg.Wait()
}
