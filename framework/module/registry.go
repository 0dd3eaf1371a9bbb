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
	"errors"
	"sync"

	"github.com/foxcpp/spoold/framework/log"
)

var (
	ErrInstanceNameDuplicate = errors.New("instance name already registered")
	ErrInstanceUnknown       = errors.New("no such instance registered")
)

type registryEntry struct {
	Mod      Module
	LazyInit func() error
}

// Registry holds named module instances defined at the top level of the
// configuration. It is owned by the process (or a test) and passed
// around explicitly.
//
// Instances are initialized lazily on the first Get so that definition
// order does not matter.
type Registry struct {
	logger log.Logger

	lock        sync.Mutex
	instances   map[string]registryEntry
	initialized map[string]struct{}
	initPending map[string]struct{}
	aliases     map[string]string
}

func NewRegistry(log log.Logger) *Registry {
	return &Registry{
		logger:      log,
		instances:   make(map[string]registryEntry),
		initialized: make(map[string]struct{}),
		initPending: make(map[string]struct{}),
		aliases:     make(map[string]string),
	}
}

// Register adds a configured but not initialized module. lazyInit is
// called on the first Get.
func (r *Registry) Register(mod Module, lazyInit func() error) error {
	instName := mod.InstanceName()
	if instName == "" {
		panic("module with empty instance name cannot be added to the registry")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.instances[instName]; ok {
		return ErrInstanceNameDuplicate
	}
	if _, ok := r.aliases[instName]; ok {
		return ErrInstanceNameDuplicate
	}

	r.instances[instName] = registryEntry{Mod: mod, LazyInit: lazyInit}
	return nil
}

func (r *Registry) AddAlias(instanceName string, alias string) error {
	if instanceName == "" || alias == "" {
		panic("AddAlias: empty name")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.aliases[alias]; ok {
		return ErrInstanceNameDuplicate
	}
	if _, ok := r.instances[alias]; ok {
		return ErrInstanceNameDuplicate
	}

	r.aliases[alias] = instanceName
	return nil
}

// Get returns the instance by name or alias, initializing it if needed.
func (r *Registry) Get(name string) (Module, error) {
	r.lock.Lock()
	if aliased := r.aliases[name]; aliased != "" {
		name = aliased
	}
	entry, ok := r.instances[name]
	if !ok {
		r.lock.Unlock()
		return nil, ErrInstanceUnknown
	}
	if _, ok := r.initialized[name]; ok || entry.LazyInit == nil {
		r.lock.Unlock()
		return entry.Mod, nil
	}
	if _, ok := r.initPending[name]; ok {
		r.lock.Unlock()
		return nil, errors.New("dependency loop involving " + name)
	}
	r.initPending[name] = struct{}{}
	r.lock.Unlock()

	// The lock is not held during LazyInit because it can call Get for
	// the dependencies.
	r.logger.DebugMsg("module configure", "mod_name", entry.Mod.Name(), "inst_name", name)
	err := entry.LazyInit()

	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.initPending, name)
	if err != nil {
		return nil, err
	}
	r.initialized[name] = struct{}{}
	return entry.Mod, nil
}

// NotInitialized returns instances that were never requested. They are
// initialized by the caller at the end of start-up to report
// configuration errors for unused blocks.
func (r *Registry) NotInitialized() []Module {
	r.lock.Lock()
	defer r.lock.Unlock()

	res := make([]Module, 0, len(r.instances)-len(r.initialized))
	for name, entry := range r.instances {
		if _, ok := r.initialized[name]; ok {
			continue
		}
		res = append(res, entry.Mod)
	}
	return res
}

// All returns all registered instances.
func (r *Registry) All() []Module {
	r.lock.Lock()
	defer r.lock.Unlock()

	res := make([]Module, 0, len(r.instances))
	for _, entry := range r.instances {
		res = append(res, entry.Mod)
	}
	return res
}
