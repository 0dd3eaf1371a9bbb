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

// Package modconfig resolves module references in configuration blocks.
//
// A directive referencing a module has one of two forms:
//
//	directive &instance_name
//	directive module_name [inline args] [{ inline config }]
//
// The first form uses an instance defined at the top level, the second
// creates a new unnamed instance using the factory map.
package modconfig

import (
	"fmt"
	"io"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/hooks"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

// Globals keys for objects that are not configuration values. They
// cannot collide with directive names since '$' is not allowed there.
const (
	registryKey = "$registry"
	enqueuerKey = "$enqueuer"
)

// WithRegistry returns a copy of globals carrying reg.
func WithRegistry(globals map[string]interface{}, reg *module.Registry) map[string]interface{} {
	res := make(map[string]interface{}, len(globals)+1)
	for k, v := range globals {
		res[k] = v
	}
	res[registryKey] = reg
	return res
}

// RegistryFrom returns the registry stored in globals by WithRegistry.
func RegistryFrom(globals map[string]interface{}) *module.Registry {
	reg, _ := globals[registryKey].(*module.Registry)
	return reg
}

// WithEnqueuer returns a copy of globals carrying the spool used by
// actions that produce new messages.
func WithEnqueuer(globals map[string]interface{}, q module.Enqueuer) map[string]interface{} {
	res := make(map[string]interface{}, len(globals)+1)
	for k, v := range globals {
		res[k] = v
	}
	res[enqueuerKey] = q
	return res
}

func EnqueuerFrom(globals map[string]interface{}) module.Enqueuer {
	q, _ := globals[enqueuerKey].(module.Enqueuer)
	return q
}

func createInlineModule(namespace, modName string, args []string) (module.Module, error) {
	var newMod module.FuncNewModule
	fullName := modName

	if !strings.Contains(modName, ".") && namespace != "" {
		fullName = namespace + "." + modName
		newMod = module.Get(fullName)
	}
	if newMod == nil {
		fullName = modName
		newMod = module.Get(modName)
	}
	if newMod == nil {
		return nil, fmt.Errorf("unknown module: %s (namespace: %s)", modName, namespace)
	}

	return newMod(fullName, "", nil, args)
}

func initInlineModule(modObj module.Module, globals map[string]interface{}, block config.Node, closeOnShutdown bool) error {
	if err := modObj.Init(config.NewMap(globals, block)); err != nil {
		return err
	}

	if !closeOnShutdown {
		return nil
	}
	if closer, ok := modObj.(io.Closer); ok {
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s", modObj.Name())
			if err := closer.Close(); err != nil {
				log.Printf("module %s close failed: %v", modObj.Name(), err)
			}
		})
	}
	return nil
}

// ModuleFromNode creates or looks up a module and checks it implements T.
//
// args are the directive arguments, inlineCfg is the directive node
// itself (its Children are used as the inline configuration). namespace
// is tried as a name prefix first, so 'table static' resolves to
// 'table.static'.
//
// Inline modules implementing io.Closer are closed on shutdown.
func ModuleFromNode[T any](namespace string, args []string, inlineCfg config.Node, globals map[string]interface{}) (T, error) {
	mod, _, err := moduleFromNode[T](namespace, args, inlineCfg, globals, true)
	return mod, err
}

// OwnedModuleFromNode is like ModuleFromNode, but the caller is
// responsible for closing inline modules. owned is true if the module
// was created inline.
func OwnedModuleFromNode[T any](namespace string, args []string, inlineCfg config.Node, globals map[string]interface{}) (mod T, owned bool, err error) {
	return moduleFromNode[T](namespace, args, inlineCfg, globals, false)
}

func moduleFromNode[T any](namespace string, args []string, inlineCfg config.Node, globals map[string]interface{}, closeOnShutdown bool) (T, bool, error) {
	var zero T

	if len(args) == 0 {
		return zero, false, config.NodeErr(inlineCfg, "at least one argument is required")
	}

	referenceExisting := strings.HasPrefix(args[0], "&")

	var (
		modObj module.Module
		err    error
	)
	if referenceExisting {
		if len(args) != 1 || inlineCfg.Children != nil {
			return zero, false, config.NodeErr(inlineCfg, "exactly one argument is required to use existing config block")
		}
		reg := RegistryFrom(globals)
		if reg == nil {
			return zero, false, config.NodeErr(inlineCfg, "instance references are not allowed here")
		}
		modObj, err = reg.Get(args[0][1:])
		if err != nil {
			return zero, false, config.NodeErr(inlineCfg, "%s: %v", args[0], err)
		}
	} else {
		modObj, err = createInlineModule(namespace, args[0], args[1:])
		if err != nil {
			return zero, false, config.NodeErr(inlineCfg, "%v", err)
		}
	}

	typed, ok := modObj.(T)
	if !ok {
		return zero, false, config.NodeErr(inlineCfg, "module %s (%s) doesn't implement %T", modObj.Name(), modObj.InstanceName(), (*T)(nil))
	}

	if !referenceExisting {
		if err := initInlineModule(modObj, globals, inlineCfg, closeOnShutdown); err != nil {
			return zero, false, err
		}
	}

	return typed, !referenceExisting, nil
}

// TableDirective is a config.Map mapper for directives referencing a
// module.Table.
func TableDirective(m *config.Map, node config.Node) (interface{}, error) {
	return ModuleFromNode[module.Table]("table", node.Args, node, m.Globals)
}

// BlobStoreDirective is a config.Map mapper for directives referencing a
// module.BlobStore.
func BlobStoreDirective(m *config.Map, node config.Node) (interface{}, error) {
	return ModuleFromNode[module.BlobStore]("storage.blob", node.Args, node, m.Globals)
}
