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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	blobfs "github.com/foxcpp/spoold/internal/storage/blob/fs"
)

const modName = "spool"

// Module is the configuration block creating a Queue:
//
//	spool {
//	    backend fs /var/lib/spoold/spool
//	    bodies &local_bodies
//	}
//
// backend is one of "memory", "fs DIR", "sql DRIVER DSN...".
type Module struct {
	instName string
	log      log.Logger

	Queue *Queue
}

func NewModule(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &Module{
		instName: instName,
		log:      log.Logger{Name: "spool"},
	}, nil
}

func (m *Module) Name() string {
	return modName
}

func (m *Module) InstanceName() string {
	return m.instName
}

func (m *Module) backendDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "backend type is required")
	}

	switch node.Args[0] {
	case "memory":
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "no arguments expected for memory backend")
		}
		return NewMemoryBackend(), nil
	case "fs":
		if len(node.Args) != 2 {
			return nil, config.NodeErr(node, "usage: backend fs DIR")
		}
		return NewFSBackend(node.Args[1], m.log)
	case "sql":
		if len(node.Args) < 3 {
			return nil, config.NodeErr(node, "usage: backend sql DRIVER DSN...")
		}
		return OpenSQL(node.Args[1], strings.Join(node.Args[2:], " "), "")
	default:
		return nil, config.NodeErr(node, "unknown backend type: %s", node.Args[0])
	}
}

func (m *Module) defaultBackend() (interface{}, error) {
	if config.StateDirectory == "" {
		return nil, fmt.Errorf("%s: state_dir is not set, backend must be configured explicitly", modName)
	}
	return NewFSBackend(filepath.Join(config.StateDirectory, "spool"), m.log)
}

func defaultBodies() (interface{}, error) {
	if config.StateDirectory == "" {
		return nil, fmt.Errorf("%s: state_dir is not set, bodies must be configured explicitly", modName)
	}
	store, err := blobfs.New("storage.blob.fs", "", nil, []string{filepath.Join(config.StateDirectory, "bodies")})
	if err != nil {
		return nil, err
	}
	if err := store.Init(config.NewMap(nil, config.Node{})); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *Module) Init(cfg *config.Map) error {
	var (
		backend     Backend
		bodies      module.BlobStore
		bodyTimeout time.Duration
	)
	cfg.Bool("debug", true, false, &m.log.Debug)
	cfg.Custom("backend", false, false, m.defaultBackend, m.backendDirective, &backend)
	cfg.Custom("bodies", false, false, defaultBodies, modconfig.BlobStoreDirective, &bodies)
	cfg.Duration("body_timeout", false, false, time.Minute, &bodyTimeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	name := m.instName
	if name == "" {
		name = modName
	}
	m.Queue = New(backend, bodies, Options{
		Name:        name,
		Log:         m.log,
		BodyTimeout: bodyTimeout,
	})
	return nil
}

func (m *Module) Close() error {
	if m.Queue == nil {
		return nil
	}
	return m.Queue.Close()
}

func init() {
	module.Register(modName, NewModule)
}
