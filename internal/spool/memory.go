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
	"sync"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	records sync.Map
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (mb *MemoryBackend) Put(_ context.Context, key string, rec []byte) error {
	mb.records.Store(key, append([]byte(nil), rec...))
	return nil
}

func (mb *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	rec, ok := mb.records.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.([]byte), nil
}

func (mb *MemoryBackend) Delete(_ context.Context, key string) error {
	mb.records.Delete(key)
	return nil
}

func (mb *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	var keys []string
	mb.records.Range(func(k, _ interface{}) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys, nil
}

func (mb *MemoryBackend) Close() error {
	return nil
}
