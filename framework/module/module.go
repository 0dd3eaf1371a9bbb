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

// Package module contains the interfaces implemented by pluggable
// spoold components (conditions, actions, tables, blob stores) and the
// factory map used to instantiate them by name.
//
// Interfaces live here to prevent circular dependencies between the
// implementation packages.
package module

import (
	"github.com/foxcpp/spoold/framework/config"
)

// Module is implemented by all module instances.
//
// A module can also implement io.Closer if it holds resources. Long-lived
// goroutines should be stopped before Close returns.
type Module interface {
	// Init configures the module. It is called after all top-level
	// instances are registered so modules can reference each other
	// regardless of the configuration order.
	Init(*config.Map) error

	// Name is the module name used in the configuration.
	Name() string

	// InstanceName is the unique instance name or empty string for
	// inline definitions.
	InstanceName() string
}

// FuncNewModule creates a module instance.
//
// For inline definitions instName is empty and inlineArgs contains
// arguments specified after the module name.
type FuncNewModule func(modName, instName string, aliases, inlineArgs []string) (Module, error)
