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

package buffer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func readAll(t *testing.T, b Buffer) string {
	t.Helper()
	r, err := b.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBufferInFile(t *testing.T) {
	dir := t.TempDir()
	b, err := BufferInFile(strings.NewReader("hello"), dir)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 5 {
		t.Errorf("wrong length: %d", b.Len())
	}
	if got := readAll(t, b); got != "hello" {
		t.Errorf("wrong contents: %q", got)
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(b.(FileBuffer).Path); !os.IsNotExist(err) {
		t.Error("file is not removed")
	}
}

func TestBufferInMemory(t *testing.T) {
	b, err := BufferInMemory(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, b); got != "hello" {
		t.Errorf("wrong contents: %q", got)
	}
}

type mapSource map[string][]byte

func (m mapSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m[key]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m mapSource) Delete(_ context.Context, keys []string) error {
	for _, k := range keys {
		delete(m, k)
	}
	return nil
}

func TestBlobBuffer(t *testing.T) {
	src := mapSource{"k": []byte("body")}
	b := BlobBuffer{Store: src, Key: "k", Size: 4}

	if got := readAll(t, b); got != "body" {
		t.Errorf("wrong contents: %q", got)
	}
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(); err == nil {
		t.Error("Open succeeded after Remove")
	}
}
