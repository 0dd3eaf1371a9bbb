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

// Package fs implements the storage.blob.fs module keeping each blob in
// a separate file.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
)

const modName = "storage.blob.fs"

type FSStore struct {
	instName string
	root     string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &FSStore{instName: instName}
	switch len(inlineArgs) {
	case 0:
	case 1:
		s.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: 1 or 0 arguments expected", modName)
	}
	return s, nil
}

func (s *FSStore) Name() string {
	return modName
}

func (s *FSStore) InstanceName() string {
	return s.instName
}

func (s *FSStore) Init(cfg *config.Map) error {
	defaultRoot := s.root
	if defaultRoot == "" && config.StateDirectory != "" && s.instName != "" {
		defaultRoot = filepath.Join(config.StateDirectory, "blobs", s.instName)
	}
	cfg.String("root", false, false, defaultRoot, &s.root)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.root == "" {
		return config.NodeErr(cfg.Block, "%s: directory not set", modName)
	}
	return os.MkdirAll(s.root, 0o700)
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("%s: invalid key: %q", modName, key)
	}
	return filepath.Join(s.root, key), nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

type fileBlob struct {
	f       *os.File
	tmpPath string
	path    string
	synced  bool
}

func (b *fileBlob) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

// Sync flushes the data and moves the file into place so a blob is
// either complete or absent.
func (b *fileBlob) Sync() error {
	if err := b.f.Sync(); err != nil {
		return err
	}
	if err := b.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(b.tmpPath, b.path); err != nil {
		return err
	}
	b.synced = true
	return nil
}

func (b *fileBlob) Close() error {
	if b.synced {
		return nil
	}
	b.f.Close()
	return os.Remove(b.tmpPath)
}

func (s *FSStore) Create(_ context.Context, key string, _ int64) (module.Blob, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileBlob{f: f, tmpPath: tmpPath, path: path}, nil
}

func (s *FSStore) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		path, err := s.path(key)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func init() {
	var _ module.BlobStore = &FSStore{}
	module.Register(modName, New)
}
