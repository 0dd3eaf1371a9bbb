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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Output is the destination for formatted log lines.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

type multiOut []Output

func (m multiOut) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOut) Close() error {
	var firstErr error
	for _, out := range m {
		if err := out.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiOutput duplicates each line to all outputs.
func MultiOutput(outputs ...Output) Output {
	return multiOut(outputs)
}

type funcOut struct {
	out   func(time.Time, bool, string)
	close func() error
}

func (f funcOut) Write(stamp time.Time, debug bool, msg string) {
	f.out(stamp, debug, msg)
}

func (f funcOut) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// FuncOutput wraps a pair of functions into an Output. close can be nil.
func FuncOutput(f func(time.Time, bool, string), close func() error) Output {
	return funcOut{f, close}
}

type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}

func (NopOutput) Close() error { return nil }

type writerOut struct {
	timestamps bool
	w          io.Writer
	closer     io.Closer
}

func (w writerOut) Write(stamp time.Time, debug bool, msg string) {
	var sb strings.Builder
	if w.timestamps {
		sb.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		sb.WriteString("[debug] ")
	}
	sb.WriteString(msg)
	sb.WriteRune('\n')

	if _, err := io.WriteString(w.w, sb.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w writerOut) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// WriterOutput returns an Output writing to w. Closing it does not close w.
//
// Lines are prefixed with a millisecond timestamp if timestamps is true
// and with "[debug] " for debug messages. No locking is done, os.File
// writes of a single line are atomic on supported systems.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return writerOut{timestamps: timestamps, w: w}
}

// WriteCloserOutput is like WriterOutput but closes wc on Close.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return writerOut{timestamps: timestamps, w: wc, closer: wc}
}

// FileOutput appends to the file at path. Reopen can be used to start
// a new file after rotation by an external tool.
type FileOutput struct {
	path string

	lock sync.Mutex
	f    *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	fo := &FileOutput{path: path}
	if err := fo.Reopen(); err != nil {
		return nil, err
	}
	return fo, nil
}

func (fo *FileOutput) Reopen() error {
	f, err := os.OpenFile(fo.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}

	fo.lock.Lock()
	defer fo.lock.Unlock()
	if fo.f != nil {
		fo.f.Close()
	}
	fo.f = f
	return nil
}

func (fo *FileOutput) Write(stamp time.Time, debug bool, msg string) {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	writerOut{timestamps: true, w: fo.f}.Write(stamp, debug, msg)
}

func (fo *FileOutput) Close() error {
	fo.lock.Lock()
	defer fo.lock.Unlock()
	if fo.f == nil {
		return nil
	}
	err := fo.f.Close()
	fo.f = nil
	return err
}
