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
	"sort"
	"sync"
)

var (
	factories     = make(map[string]FuncNewModule)
	factoriesLock sync.RWMutex
)

// Register adds a module factory to the factory map. It panics if the
// name is already taken.
//
// Intended to be called from init() of the implementing package.
func Register(name string, factory FuncNewModule) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()

	if _, ok := factories[name]; ok {
		panic("Register: module with specified name is already registered: " + name)
	}
	factories[name] = factory
}

// Get returns the factory for name or nil.
func Get(name string) FuncNewModule {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()

	return factories[name]
}

// Names returns sorted names of all registered factories.
func Names() []string {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
