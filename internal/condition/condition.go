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

// Package condition implements the built-in conditions used in stage
// blocks. A condition selects the recipients of a message the paired
// action is applied to.
//
// Envelope-wide conditions (sender_is, has_attribute, ...) select
// either all recipients or none.
package condition

import (
	"context"
	"fmt"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/module"
)

type base struct {
	modName  string
	instName string
}

func (b base) Name() string {
	return b.modName
}

func (b base) InstanceName() string {
	return b.instName
}

func allRcpts(msg *module.Message) []string {
	return append(make([]string, 0, len(msg.Recipients)), msg.Recipients...)
}

// All matches every recipient.
type All struct {
	base
}

func NewAll(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &All{base{modName, instName}}, nil
}

func (a *All) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (a *All) Match(_ context.Context, msg *module.Message) ([]string, error) {
	return allRcpts(msg), nil
}

// tableArg binds the 'table' directive, using inline arguments as the
// default. It is used by conditions accepting '&table' arguments.
func tableArg(cfg *config.Map, inlineArgs []string, store *module.Table) {
	cfg.Custom("table", false, false, func() (interface{}, error) {
		if len(inlineArgs) == 0 {
			return nil, nil
		}
		node := config.Node{
			Name: "table",
			Args: inlineArgs,
			File: cfg.Block.File,
			Line: cfg.Block.Line,
		}
		return modconfig.ModuleFromNode[module.Table]("table", inlineArgs, node, cfg.Globals)
	}, modconfig.TableDirective, store)
}

func init() {
	module.Register("condition.all", NewAll)
}
