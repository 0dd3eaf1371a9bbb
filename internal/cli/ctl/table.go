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


package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/foxcpp/spoold/framework/module"
	spooldcli "github.com/foxcpp/spoold/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	spooldcli.AddSubcommand(&cli.Command{
		Name:  "table",
		Usage: "Query and modify lookup tables",
		Subcommands: []*cli.Command{
			{
				Name:      "lookup",
				Usage:     "Print all values for the key",
				ArgsUsage: "TABLE KEY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("Error: TABLE and KEY are required", 2)
					}
					return withTable(c, func(tbl module.Table) error {
						return tableLookup(c.Context, c.App.Writer, tbl, c.Args().Get(1))
					})
				},
			},
			{
				Name:      "keys",
				Usage:     "List keys of a mutable table",
				ArgsUsage: "TABLE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("Error: TABLE is required", 2)
					}
					return withMutableTable(c, func(tbl module.MutableTable) error {
						return tableKeys(c.App.Writer, tbl)
					})
				},
			},
			{
				Name:      "set",
				Usage:     "Create or replace the key",
				ArgsUsage: "TABLE KEY VALUE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return cli.Exit("Error: TABLE, KEY and VALUE are required", 2)
					}
					return withMutableTable(c, func(tbl module.MutableTable) error {
						return tbl.SetKey(c.Args().Get(1), c.Args().Get(2))
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove the key",
				ArgsUsage: "TABLE KEY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("Error: TABLE and KEY are required", 2)
					}
					return withMutableTable(c, func(tbl module.MutableTable) error {
						return tbl.RemoveKey(c.Args().Get(1))
					})
				},
			},
		},
	})
}

func withTable(c *cli.Context, f func(tbl module.Table) error) error {
	inst, err := openInstance(c)
	if err != nil {
		return err
	}
	defer inst.Close()

	tbl, err := findTable(inst.Registry, c.Args().First())
	if err != nil {
		return err
	}
	return f(tbl)
}

func withMutableTable(c *cli.Context, f func(tbl module.MutableTable) error) error {
	return withTable(c, func(tbl module.Table) error {
		mut, ok := tbl.(module.MutableTable)
		if !ok {
			return cli.Exit(fmt.Sprintf("Error: table %s is not mutable", c.Args().First()), 2)
		}
		return f(mut)
	})
}

func findTable(reg *module.Registry, name string) (module.Table, error) {
	mod, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	tbl, ok := mod.(module.Table)
	if !ok {
		return nil, fmt.Errorf("module %s is not a table", name)
	}
	return tbl, nil
}

var errNoValue = errors.New("key not found")

func tableLookup(ctx context.Context, w io.Writer, tbl module.Table, key string) error {
	if multi, ok := tbl.(module.MultiTable); ok {
		vals, err := multi.LookupMulti(ctx, key)
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return errNoValue
		}
		for _, v := range vals {
			fmt.Fprintln(w, v)
		}
		return nil
	}

	val, ok, err := tbl.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errNoValue
	}
	fmt.Fprintln(w, val)
	return nil
}

func tableKeys(w io.Writer, tbl module.MutableTable) error {
	keys, err := tbl.Keys()
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(w, k)
	}
	return nil
}
