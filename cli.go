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


package spoold

import (
	"fmt"
	"path/filepath"

	"github.com/foxcpp/spoold/framework/log"
	spooldcli "github.com/foxcpp/spoold/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	spooldcli.AddGlobalFlag(&cli.PathFlag{
		Name:    "config",
		Usage:   "configuration file to use",
		EnvVars: []string{"SPOOLD_CONFIG"},
		Value:   filepath.Join(ConfigDirectory, "spoold.conf"),
	})
	spooldcli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging early",
		Destination: &log.DefaultLogger.Debug,
	})

	spooldcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "default logging target(s), overridden by the log directive",
				Value: cli.NewStringSlice("stderr"),
			},
		},
		Action: runCommand,
	})
	spooldcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, "spoold", BuildInfo())
			return nil
		},
	})
}

func runCommand(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit("usage: spoold run [options]", 2)
	}

	out, err := LogOutputOption(c.StringSlice("log"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	log.DefaultLogger.Out = out

	if err := Run(c.Path("config")); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	return nil
}
