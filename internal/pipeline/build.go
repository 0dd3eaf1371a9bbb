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

package pipeline

import (
	"io"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

// Prepend is a pair added in front of the configured pairs of a stage.
type Prepend struct {
	Stage     string
	Condition []string
	Action    []string
}

// PrependFor returns a Prepend for stage with argument-less condition
// and action.
func PrependFor(stage, cond, action string) Prepend {
	return Prepend{Stage: stage, Condition: []string{cond}, Action: []string{action}}
}

// DefaultPrepends makes sure mail to postmaster is delivered even if
// the root stage does not handle it.
var DefaultPrepends = []Prepend{
	PrependFor(module.StateRoot, "all", "postmaster_alias"),
}

type Options struct {
	Log      log.Logger
	Splitter Splitter
	Prepend  []Prepend
}

// Build creates a sealed stage from a configuration block:
//
//	stage NAME {
//	    match COND [ARGS...] {
//	        ACTION [ARGS...] [{ ... }]
//	        ...
//	    }
//	    match COND [ARGS...] do ACTION [ARGS...] [{ ... }]
//	}
//
// Conditions and actions are looked up in the "condition." and
// "action." namespaces, &name references a top-level instance.
func Build(globals map[string]interface{}, node config.Node, opts Options) (*Stage, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "exactly one argument (stage name) is required")
	}
	name := node.Args[0]
	if name == module.StateGhost {
		return nil, config.NodeErr(node, "%s is a reserved state and cannot be a stage name", name)
	}

	logger := opts.Log
	logger.Name = "pipeline/" + name
	s := NewStage(name, opts.Splitter, logger)

	for _, pp := range opts.Prepend {
		if pp.Stage != name {
			continue
		}
		implicit := config.Node{Name: "match", Args: pp.Condition, File: node.File, Line: node.Line}
		if err := s.addPair(globals, implicit, pp.Condition, config.Node{
			Name: pp.Action[0], Args: pp.Action[1:], File: node.File, Line: node.Line,
		}); err != nil {
			s.Close()
			return nil, err
		}
	}

	for _, child := range node.Children {
		var err error
		switch child.Name {
		case "match":
			err = s.addMatch(globals, child)
		case "debug":
			s.log.Debug = true
		default:
			err = config.NodeErr(child, "unknown stage directive: %s", child.Name)
		}
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.Seal()
	return s, nil
}

func (s *Stage) addMatch(globals map[string]interface{}, node config.Node) error {
	for i, arg := range node.Args {
		if arg != "do" {
			continue
		}
		condArgs, actionArgs := node.Args[:i], node.Args[i+1:]
		if len(condArgs) == 0 || len(actionArgs) == 0 {
			return config.NodeErr(node, "usage: match CONDITION [ARGS] do ACTION [ARGS]")
		}
		return s.addPair(globals, node, condArgs, config.Node{
			Name:     actionArgs[0],
			Args:     actionArgs[1:],
			Children: node.Children,
			File:     node.File,
			Line:     node.Line,
		})
	}

	if len(node.Args) == 0 {
		return config.NodeErr(node, "condition is required")
	}
	if len(node.Children) == 0 {
		return config.NodeErr(node, "at least one action is required")
	}

	cond, err := s.condition(globals, node, node.Args)
	if err != nil {
		return err
	}
	for _, actionNode := range node.Children {
		action, err := s.action(globals, actionNode)
		if err != nil {
			return err
		}
		if err := s.Add(cond, action); err != nil {
			return config.NodeErr(actionNode, "%v", err)
		}
	}
	return nil
}

func (s *Stage) addPair(globals map[string]interface{}, condNode config.Node, condArgs []string, actionNode config.Node) error {
	cond, err := s.condition(globals, condNode, condArgs)
	if err != nil {
		return err
	}
	action, err := s.action(globals, actionNode)
	if err != nil {
		return err
	}
	if err := s.Add(cond, action); err != nil {
		return config.NodeErr(actionNode, "%v", err)
	}
	return nil
}

func (s *Stage) condition(globals map[string]interface{}, node config.Node, args []string) (module.Condition, error) {
	// Conditions have no configuration blocks, the children of the
	// node are actions.
	cfgNode := config.Node{Name: node.Name, Args: args, File: node.File, Line: node.Line}
	cond, owned, err := modconfig.OwnedModuleFromNode[module.Condition]("condition", args, cfgNode, globals)
	if err != nil {
		return nil, err
	}
	if closer, ok := cond.(io.Closer); ok && owned {
		s.Own(closer)
	}
	return cond, nil
}

func (s *Stage) action(globals map[string]interface{}, node config.Node) (module.Action, error) {
	args := append([]string{node.Name}, node.Args...)
	action, owned, err := modconfig.OwnedModuleFromNode[module.Action]("action", args, node, globals)
	if err != nil {
		return nil, err
	}
	if closer, ok := action.(io.Closer); ok && owned {
		s.Own(closer)
	}
	return action, nil
}
