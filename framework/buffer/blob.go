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
	"context"
	"io"
	"time"
)

// BlobSource is the subset of the blob store interface BlobBuffer needs.
type BlobSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, keys []string) error
}

// BlobBuffer refers to a blob in a store by key. Nothing is read until
// Open is called.
type BlobBuffer struct {
	Store BlobSource
	Key   string

	// Size is the blob length, -1 if unknown.
	Size int

	// Timeout bounds Open and Remove calls, zero means one minute.
	Timeout time.Duration
}

func (bb BlobBuffer) timeout() time.Duration {
	if bb.Timeout == 0 {
		return time.Minute
	}
	return bb.Timeout
}

func (bb BlobBuffer) Open() (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bb.timeout())
	r, err := bb.Store.Open(ctx, bb.Key)
	if err != nil {
		cancel()
		return nil, err
	}
	return cancelReadCloser{ReadCloser: r, cancel: cancel}, nil
}

func (bb BlobBuffer) Len() int {
	return bb.Size
}

func (bb BlobBuffer) Remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), bb.timeout())
	defer cancel()
	return bb.Store.Delete(ctx, []string{bb.Key})
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
