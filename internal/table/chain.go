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


package table

import (
	"context"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/module"
)

// Chain passes the key through a sequence of tables, feeding the results
// of each step into the next one. A step declared with optional_step
// passes its input through unchanged when nothing is found.
type Chain struct {
	modName  string
	instName string

	steps    []module.Table
	optional []bool
}

func NewChain(modName, instName string, _, _ []string) (module.Module, error) {
	return &Chain{
		modName:  modName,
		instName: instName,
	}, nil
}

func (c *Chain) Init(cfg *config.Map) error {
	addStep := func(optional bool) func(*config.Map, config.Node) error {
		return func(m *config.Map, node config.Node) error {
			tbl, err := modconfig.ModuleFromNode[module.Table]("table", node.Args, node, m.Globals)
			if err != nil {
				return err
			}
			c.steps = append(c.steps, tbl)
			c.optional = append(c.optional, optional)
			return nil
		}
	}
	cfg.Callback("step", addStep(false))
	cfg.Callback("optional_step", addStep(true))
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(c.steps) == 0 {
		return config.NodeErr(cfg.Block, "at least one step is required")
	}
	return nil
}

func (c *Chain) Name() string {
	return c.modName
}

func (c *Chain) InstanceName() string {
	return c.instName
}

func (c *Chain) Lookup(ctx context.Context, key string) (string, bool, error) {
	vals, err := c.LookupMulti(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func lookupStep(ctx context.Context, step module.Table, key string) ([]string, error) {
	if multi, ok := step.(module.MultiTable); ok {
		return multi.LookupMulti(ctx, key)
	}
	val, ok, err := step.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return []string{val}, nil
}

func (c *Chain) LookupMulti(ctx context.Context, key string) ([]string, error) {
	result := []string{key}
	for i, step := range c.steps {
		var next []string
		for _, k := range result {
			vals, err := lookupStep(ctx, step, k)
			if err != nil {
				return nil, err
			}
			next = append(next, vals...)
		}
		if len(next) == 0 {
			if c.optional[i] {
				continue
			}
			return nil, nil
		}
		result = next
	}
	return result, nil
}

func init() {
	module.Register("table.chain", NewChain)
}
