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

package testutils

import (
	"context"

	"github.com/foxcpp/spoold/framework/config"
)

type Table struct {
	M   map[string]string
	Err error
}

func (m Table) Lookup(_ context.Context, a string) (string, bool, error) {
	b, ok := m.M[a]
	return b, ok, m.Err
}

func (m Table) Init(*config.Map) error { return nil }
func (m Table) Name() string          { return "table.test" }
func (m Table) InstanceName() string  { return "" }

// MultiTable returns all values from M for LookupMulti and the first one
// for Lookup.
type MultiTable struct {
	M   map[string][]string
	Err error
}

func (m MultiTable) Lookup(_ context.Context, a string) (string, bool, error) {
	vals := m.M[a]
	if len(vals) == 0 {
		return "", false, m.Err
	}
	return vals[0], true, m.Err
}

func (m MultiTable) LookupMulti(_ context.Context, a string) ([]string, error) {
	return m.M[a], m.Err
}

func (m MultiTable) Init(*config.Map) error { return nil }
func (m MultiTable) Name() string          { return "table.test_multi" }
func (m MultiTable) InstanceName() string  { return "" }
