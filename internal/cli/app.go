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


// Package spooldcli holds the command line application shared by the
// server and the administration subcommands. Subcommands are added from
// init functions of other packages using AddSubcommand.
package spooldcli

import (
	"fmt"
	"os"

	"github.com/foxcpp/spoold/framework/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "spoold"
	app.Usage = "store-and-forward mail transfer engine"
	app.Description = `spoold keeps messages in a persistent spool and moves them through
configurable stages until every recipient is delivered or bounced.

This executable can be used to start the server ('run') and to inspect
and modify the spool and lookup tables (all other subcommands).
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "env-file",
			Usage:   "load environment variables from `FILE` before reading the configuration",
			EnvVars: []string{"SPOOLD_ENV_FILE"},
		},
	}
	app.Before = loadEnvFiles
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

// loadEnvFiles makes variables from --env-file available for {env:VAR}
// expansion in the configuration. Variables already set in the
// environment take precedence.
func loadEnvFiles(c *cli.Context) error {
	files := c.StringSlice("env-file")
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return cli.Exit(fmt.Sprintf("Error: failed to load env file: %v", err), 2)
	}
	return nil
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// App returns the application, it is meant for tests.
func App() *cli.App {
	return app
}

func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
