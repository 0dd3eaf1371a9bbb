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

// Package blobtest contains the behavior tests shared by all
// module.BlobStore implementations.
package blobtest

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/foxcpp/spoold/framework/module"
)

func put(t *testing.T, s module.BlobStore, key, data string) {
	t.Helper()

	blob, err := s.Create(context.Background(), key, int64(len(data)))
	if err != nil {
		t.Fatalf("Create %s: %v", key, err)
	}
	if _, err := io.WriteString(blob, data); err != nil {
		t.Fatalf("Write %s: %v", key, err)
	}
	if err := blob.Sync(); err != nil {
		t.Fatalf("Sync %s: %v", key, err)
	}
	if err := blob.Close(); err != nil {
		t.Fatalf("Close %s: %v", key, err)
	}
}

func get(t *testing.T, s module.BlobStore, key string) (string, error) {
	t.Helper()

	r, err := s.Open(context.Background(), key)
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TestStore runs the common tests against stores returned by newStore.
// Each subtest gets a fresh store.
func TestStore(t *testing.T, newStore func() module.BlobStore) {
	t.Run("create and open", func(t *testing.T) {
		s := newStore()
		put(t, s, "a1", "Subject: test\r\n\r\nbody")

		data, err := get(t, s, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if data != "Subject: test\r\n\r\nbody" {
			t.Errorf("wrong data: %q", data)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		s := newStore()
		put(t, s, "a1", "first")
		put(t, s, "a1", "second")

		data, err := get(t, s, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if data != "second" {
			t.Errorf("wrong data: %q", data)
		}
	})

	t.Run("open missing", func(t *testing.T) {
		s := newStore()
		if _, err := get(t, s, "missing"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("expected ErrNoSuchBlob, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore()
		put(t, s, "a1", "x")
		put(t, s, "a2", "y")

		if err := s.Delete(context.Background(), []string{"a1", "missing"}); err != nil {
			t.Fatal(err)
		}
		if _, err := get(t, s, "a1"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("blob still present after Delete: %v", err)
		}
		if data, err := get(t, s, "a2"); err != nil || data != "y" {
			t.Errorf("unrelated blob affected: %q %v", data, err)
		}
	})

	t.Run("close without sync", func(t *testing.T) {
		s := newStore()
		blob, err := s.Create(context.Background(), "a1", module.UnknownBlobSize)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(blob, "partial"); err != nil {
			t.Fatal(err)
		}
		blob.Close()

		if data, err := get(t, s, "a1"); err == nil {
			t.Errorf("unsynced blob is visible: %q", data)
		}
	})
}
