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

// Package config contains the configuration tree representation and the
// reflection-based directive binder used by all modules.
package config

import (
	"fmt"
)

// Node is a single configuration directive, possibly with a block.
//
//	name arg0 arg1 {
//	    child0
//	    child1
//	}
type Node struct {
	Name string
	Args []string

	// Children is nil for a plain directive and non-nil (possibly empty)
	// for a block.
	Children []Node

	File string
	Line int
}

// NodeErr formats an error message prefixed with the node location.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}
