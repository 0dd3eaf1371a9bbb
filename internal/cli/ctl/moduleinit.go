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


// Package ctl implements the administration subcommands operating on
// the configured spool and lookup tables.
package ctl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/foxcpp/spoold"
	"github.com/urfave/cli/v2"
)

// openInstance reads the configuration and creates all modules without
// starting the workers. The caller must Close the result.
//
// Locks are held in memory by the running server, commands modifying
// messages can race with it.
func openInstance(c *cli.Context) (*spoold.Instance, error) {
	cfgPath := c.Path("config")
	if cfgPath == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}

	globals, cfg, err := spoold.ReadConfig(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to read config: %v", err), 2)
	}
	if err := spoold.InitDirs(); err != nil {
		return nil, err
	}

	inst, err := spoold.New(globals, cfg)
	if err != nil {
		return nil, fmt.Errorf("Error: initialization failed: %w", err)
	}
	return inst, nil
}

// confirmation asks a yes/no question, def is returned for an empty or
// unrecognized answer.
func confirmation(in io.Reader, out io.Writer, prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}
	fmt.Fprintf(out, "%s [%s]: ", prompt, selection)

	scnr := bufio.NewScanner(in)
	if !scnr.Scan() {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(scnr.Text())) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}
