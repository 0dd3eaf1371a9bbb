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

// Package memory implements the storage.blob.memory module. Nothing is
// persisted, it is meant for tests and throwaway setups.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
)

const modName = "storage.blob.memory"

type Store struct {
	instName string

	mu    sync.RWMutex
	blobs map[string][]byte
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: expected 0 arguments", modName)
	}
	return NewStore(instName), nil
}

// NewStore returns an initialized store, there is no need to call Init.
func NewStore(instName string) *Store {
	return &Store{instName: instName, blobs: make(map[string][]byte)}
}

func (s *Store) Name() string         { return modName }
func (s *Store) InstanceName() string { return s.instName }

func (s *Store) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

type memBlob struct {
	s   *Store
	key string
	buf bytes.Buffer
}

func (b *memBlob) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *memBlob) Sync() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.s.blobs[b.key] = b.buf.Bytes()
	return nil
}

func (b *memBlob) Close() error {
	return nil
}

func (s *Store) Create(_ context.Context, key string, blobSize int64) (module.Blob, error) {
	b := &memBlob{s: s, key: key}
	if blobSize > 0 {
		b.buf.Grow(int(blobSize))
	}
	return b, nil
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, module.ErrNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.blobs, k)
	}
	return nil
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func init() {
	var _ module.BlobStore = &Store{}
	module.Register(modName, New)
}
