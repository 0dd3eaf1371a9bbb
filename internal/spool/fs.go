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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/spoold/framework/log"
)

const (
	metaSuffix   = ".meta"
	newSuffix    = ".meta.new"
	brokenSuffix = ".meta_broken"
)

// FSBackend stores each record in a separate KEY.meta file.
//
// Records are written to KEY.meta.new and renamed into place so a crash
// leaves either the old or the new version, never a partial one.
type FSBackend struct {
	dir string
	log log.Logger
}

// NewFSBackend opens the spool directory, creating it if needed, and
// removes files left by interrupted writes.
func NewFSBackend(dir string, logger log.Logger) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}

	fb := &FSBackend{dir: dir, log: logger}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(entry.Name(), newSuffix):
			fb.tryRemoveDanglingFile(entry.Name())
		case strings.HasSuffix(entry.Name(), brokenSuffix):
			fb.log.Msg("broken record found in spool directory", "file", entry.Name())
		}
	}

	return fb, nil
}

func (fb *FSBackend) tryRemoveDanglingFile(name string) {
	if err := os.Remove(filepath.Join(fb.dir, name)); err != nil {
		fb.log.Error("failed to remove dangling file", err, "file", name)
		return
	}
	fb.log.Msg("removed dangling file", "file", name)
}

func (fb *FSBackend) path(key, suffix string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("spool: invalid key: %q", key)
	}
	return filepath.Join(fb.dir, key+suffix), nil
}

func (fb *FSBackend) Put(_ context.Context, key string, rec []byte) error {
	metaPath, err := fb.path(key, metaSuffix)
	if err != nil {
		return err
	}
	tmpPath := metaPath + ".new"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(rec); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, metaPath)
}

func (fb *FSBackend) Get(_ context.Context, key string) ([]byte, error) {
	metaPath, err := fb.path(key, metaSuffix)
	if err != nil {
		return nil, err
	}
	rec, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (fb *FSBackend) Delete(_ context.Context, key string) error {
	metaPath, err := fb.path(key, metaSuffix)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fb *FSBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fb.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, metaSuffix))
	}
	return keys, nil
}

// Quarantine renames KEY.meta to KEY.meta_broken.
func (fb *FSBackend) Quarantine(_ context.Context, key string) error {
	metaPath, err := fb.path(key, metaSuffix)
	if err != nil {
		return err
	}
	brokenPath, _ := fb.path(key, brokenSuffix)
	return os.Rename(metaPath, brokenPath)
}

func (fb *FSBackend) Close() error {
	return nil
}
