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

// Package buffer provides lazy references to message bodies.
//
// Message bodies are never required to be memory-resident, a Buffer
// only knows how to open a fresh reader for the stored bytes.
package buffer

import (
	"io"
)

// Buffer is a reference to an immutable blob.
//
// Whoever created the Buffer is responsible for calling Remove once the
// data is no longer needed. Multiple Buffer values may refer to the
// same storage, Remove invalidates all of them.
type Buffer interface {
	// Open returns a new reader positioned at the start of the blob.
	Open() (io.ReadCloser, error)

	// Len reports the blob size or -1 if it is not known without
	// reading the whole blob.
	Len() int

	// Remove discards the underlying storage.
	Remove() error
}
