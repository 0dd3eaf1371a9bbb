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

package module

import (
	"context"
	"errors"
	"io"
)

type Blob interface {
	Sync() error
	io.Writer
	io.Closer
}

var ErrNoSuchBlob = errors.New("blob_store: no such object")

// UnknownBlobSize is passed to Create when the blob length is not known
// in advance.
const UnknownBlobSize int64 = -1

// BlobStore keeps large binary objects, message bodies in particular.
type BlobStore interface {
	// Create returns a writer for a new blob. Sync is called after all
	// data is written, Close without Sync means the data should be
	// discarded.
	//
	// blobSize is the exact amount of bytes that will be written or
	// UnknownBlobSize.
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns a reader for the blob or ErrNoSuchBlob.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes blobs, missing keys are ignored.
	Delete(ctx context.Context, keys []string) error
}
