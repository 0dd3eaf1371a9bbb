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

package cfgparser

import (
	"regexp"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
)

var (
	envRe      = regexp.MustCompile(`{env:([^}]+)}`)
	envSplitRe = regexp.MustCompile(`^{env_split:([^}]+)}$`)
)

// expandEnvironment replaces {env:VAR} in names and arguments.
// Undefined variables expand to an empty string. An argument consisting
// only of {env_split:VAR} is replaced by the comma-separated values of
// VAR.
func expandEnvironment(nodes []config.Node, lookup func(string) (string, bool)) []config.Node {
	// nil means "no block" and must stay nil.
	if nodes == nil {
		return nil
	}

	expand := func(s string) string {
		return envRe.ReplaceAllStringFunc(s, func(m string) string {
			val, _ := lookup(envRe.FindStringSubmatch(m)[1])
			return val
		})
	}

	res := make([]config.Node, 0, len(nodes))
	for _, node := range nodes {
		node.Name = expand(node.Name)

		args := make([]string, 0, len(node.Args))
		for _, arg := range node.Args {
			if m := envSplitRe.FindStringSubmatch(arg); m != nil {
				if val, ok := lookup(m[1]); ok && val != "" {
					args = append(args, strings.Split(val, ",")...)
				}
				continue
			}
			args = append(args, expand(arg))
		}
		node.Args = args

		node.Children = expandEnvironment(node.Children, lookup)
		res = append(res, node)
	}
	return res
}
