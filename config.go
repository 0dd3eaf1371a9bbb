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
	"errors"
	"fmt"
	"os"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/hooks"
	"github.com/foxcpp/spoold/framework/log"
)

// LogOutputOption creates the log output from a list of targets:
// stderr, stderr_ts, syslog, off or a file path.
//
// File outputs are reopened on the log rotation event.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput("spoold")
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			fo, err := log.NewFileOutput(arg)
			if err != nil {
				for _, o := range outs {
					o.Close()
				}
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			hooks.AddHook(hooks.EventLogRotate, func() {
				if err := fo.Reopen(); err != nil {
					fmt.Fprintln(os.Stderr, "failed to reopen log file:", err)
				}
			})
			outs = append(outs, fo)
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func logOutput(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}

	out, err := LogOutputOption(node.Args)
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return out, nil
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

// ReadGlobals processes top-level directives that are not module or
// block definitions and returns them along with the remaining nodes.
//
// log and debug are applied to log.DefaultLogger, state_dir sets
// config.StateDirectory.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("hostname", false, false, "", nil)
	globals.String("autogenerated_msg_domain", false, false, "", nil)
	globals.String("state_dir", false, false, config.StateDirectory, &config.StateDirectory)
	globals.StringList("local_domains", false, false, nil, nil)
	globals.String("postmaster", false, false, "", nil)
	globals.String("dns_server", false, false, "", nil)
	globals.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}
