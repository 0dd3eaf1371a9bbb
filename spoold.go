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


// Package spoold wires the configuration into a running process: module
// instances, the spool, stages and the dispatch workers.
package spoold

import (
	"io"
	"os"
	"path/filepath"

	"github.com/foxcpp/spoold/framework/cfgparser"
	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/hooks"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/dispatch"
	"github.com/foxcpp/spoold/internal/endpoint/openmetrics"
	"github.com/foxcpp/spoold/internal/pipeline"
	"github.com/foxcpp/spoold/internal/spool"

	// Modules referenced by name from the configuration.
	_ "github.com/foxcpp/spoold/internal/action"
	_ "github.com/foxcpp/spoold/internal/condition"
	_ "github.com/foxcpp/spoold/internal/storage/blob/fs"
	_ "github.com/foxcpp/spoold/internal/storage/blob/memory"
	_ "github.com/foxcpp/spoold/internal/storage/blob/s3"
	_ "github.com/foxcpp/spoold/internal/table"
)

// Instance is a configured spoold process.
type Instance struct {
	Globals  map[string]interface{}
	Registry *module.Registry
	Spool    *spool.Queue
	Stages   map[string]*pipeline.Stage
	Manager  *dispatch.Manager

	spoolMod *spool.Module
	lifetime *module.LifetimeTracker
	log      log.Logger
}

func readDispatchOpts(globals map[string]interface{}, node config.Node) (dispatch.Options, error) {
	var opts dispatch.Options
	cfg := config.NewMap(globals, node)
	cfg.Bool("debug", true, false, &opts.Log.Debug)
	cfg.Int("threads", false, false, dispatch.DefaultThreads, &opts.Threads)
	cfg.Duration("retry_delay", false, false, dispatch.DefaultRetryDelay, &opts.RetryDelay)
	cfg.Duration("shutdown_grace", false, false, dispatch.DefaultShutdownGrace, &opts.ShutdownGrace)
	if _, err := cfg.Process(); err != nil {
		return opts, err
	}
	if len(node.Args) != 0 {
		return opts, config.NodeErr(node, "no arguments expected")
	}
	if opts.Threads <= 0 {
		return opts, config.NodeErr(node, "threads should be positive")
	}
	return opts, nil
}

// New creates all modules defined in cfg. globals is the result of
// ReadGlobals and cfg are the remaining nodes.
//
// Nothing is started until Start is called.
func New(globals map[string]interface{}, cfg []config.Node) (inst *Instance, err error) {
	inst = &Instance{
		Stages:   make(map[string]*pipeline.Stage),
		log:      log.DefaultLogger.Sublogger("spoold"),
		lifetime: module.NewLifetime(log.DefaultLogger.Sublogger("lifetime")),
	}
	inst.Registry = module.NewRegistry(log.DefaultLogger.Sublogger("registry"))
	inst.Globals = modconfig.WithRegistry(globals, inst.Registry)
	defer func() {
		if err != nil {
			inst.Close()
		}
	}()

	var (
		spoolNode    *config.Node
		dispatchNode = config.Node{Name: "dispatch"}
		stageNodes   []config.Node
		metricsNodes []config.Node
	)
	for _, node := range cfg {
		node := node
		switch node.Name {
		case "spool":
			if spoolNode != nil {
				return inst, config.NodeErr(node, "only one spool block is allowed")
			}
			spoolNode = &node
		case "dispatch":
			dispatchNode = node
		case "stage":
			stageNodes = append(stageNodes, node)
		case "openmetrics":
			metricsNodes = append(metricsNodes, node)
		default:
			if err := inst.registerModule(node); err != nil {
				return inst, err
			}
		}
	}

	if spoolNode == nil {
		spoolNode = &config.Node{Name: "spool"}
	}
	if err := inst.initSpool(*spoolNode); err != nil {
		return inst, err
	}
	// Registered modules are initialized lazily, so actions creating new
	// messages see the spool regardless of the definition order.
	inst.Globals = modconfig.WithEnqueuer(inst.Globals, inst.Spool)

	for _, node := range metricsNodes {
		mod, err := openmetrics.New("openmetrics", "", nil, node.Args)
		if err != nil {
			return inst, config.NodeErr(node, "%v", err)
		}
		if err := mod.Init(config.NewMap(inst.Globals, node)); err != nil {
			return inst, err
		}
		inst.lifetime.Add(mod.(module.LifetimeModule))
	}

	for _, node := range stageNodes {
		stage, err := pipeline.Build(inst.Globals, node, pipeline.Options{
			Log:      log.DefaultLogger,
			Splitter: inst.Spool,
			Prepend:  pipeline.DefaultPrepends,
		})
		if err != nil {
			return inst, err
		}
		if _, ok := inst.Stages[stage.Name()]; ok {
			stage.Close()
			return inst, config.NodeErr(node, "duplicate stage: %s", stage.Name())
		}
		inst.Stages[stage.Name()] = stage
	}

	// Report configuration errors in blocks that are not referenced by
	// anything.
	for _, mod := range inst.Registry.NotInitialized() {
		if _, err := inst.Registry.Get(mod.InstanceName()); err != nil {
			return inst, err
		}
	}

	opts, err := readDispatchOpts(inst.Globals, dispatchNode)
	if err != nil {
		return inst, err
	}
	opts.Log.Out = log.DefaultLogger.Out
	opts.Log.Name = "dispatch"
	inst.Manager, err = dispatch.New(inst.Spool, inst.Stages, opts)
	if err != nil {
		return inst, err
	}

	return inst, nil
}

func (inst *Instance) registerModule(node config.Node) error {
	factory := module.Get(node.Name)
	if factory == nil {
		return config.NodeErr(node, "unknown module or global directive: %s", node.Name)
	}

	instName := node.Name
	var aliases []string
	if len(node.Args) != 0 {
		instName = node.Args[0]
		aliases = node.Args[1:]
	}

	mod, err := factory(node.Name, instName, aliases, nil)
	if err != nil {
		return config.NodeErr(node, "%v", err)
	}

	if err := inst.Registry.Register(mod, func() error {
		return mod.Init(config.NewMap(inst.Globals, node))
	}); err != nil {
		return config.NodeErr(node, "%s: %v", instName, err)
	}
	for _, alias := range aliases {
		if err := inst.Registry.AddAlias(instName, alias); err != nil {
			return config.NodeErr(node, "%s: %v", alias, err)
		}
	}
	return nil
}

func (inst *Instance) initSpool(node config.Node) error {
	instName := ""
	if len(node.Args) != 0 {
		instName = node.Args[0]
	}
	if len(node.Args) > 1 {
		return config.NodeErr(node, "at most one argument (instance name) is expected")
	}

	mod, err := spool.NewModule("spool", instName, nil, nil)
	if err != nil {
		return config.NodeErr(node, "%v", err)
	}
	if err := mod.Init(config.NewMap(inst.Globals, node)); err != nil {
		return err
	}
	inst.spoolMod = mod.(*spool.Module)
	inst.Spool = inst.spoolMod.Queue
	return nil
}

// Start starts the metrics endpoints and the dispatch workers.
func (inst *Instance) Start() error {
	if err := inst.lifetime.StartAll(); err != nil {
		return err
	}
	if err := inst.Manager.Start(); err != nil {
		inst.lifetime.StopAll()
		return err
	}
	hooks.AddHook(hooks.EventReload, inst.lifetime.ReloadAll)
	return nil
}

// Close stops the workers and releases all resources. It is safe to call
// on a partially constructed Instance.
func (inst *Instance) Close() error {
	// Manager closes the stages.
	if inst.Manager != nil {
		if err := inst.Manager.Close(); err != nil {
			inst.log.Error("dispatch close failed", err)
		}
	} else {
		for _, stage := range inst.Stages {
			stage.Close()
		}
	}
	inst.lifetime.StopAll()

	if inst.spoolMod != nil {
		if err := inst.spoolMod.Close(); err != nil {
			inst.log.Error("spool close failed", err)
		}
	}

	for _, mod := range inst.Registry.All() {
		closer, ok := mod.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			inst.log.Error("module close failed", err, "mod_name", mod.Name(), "inst_name", mod.InstanceName())
		}
	}

	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

// ReadConfig parses the configuration file and the global directives.
func ReadConfig(path string) (map[string]interface{}, []config.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	nodes, err := cfgparser.Read(f, abs)
	if err != nil {
		return nil, nil, err
	}
	return ReadGlobals(nodes)
}

func moduleMain(configPath string) error {
	globals, cfg, err := ReadConfig(configPath)
	if err != nil {
		return err
	}
	if err := InitDirs(); err != nil {
		return err
	}

	inst, err := New(globals, cfg)
	if err != nil {
		return err
	}
	if err := inst.Start(); err != nil {
		inst.Close()
		return err
	}

	systemdStatus(SDReady, "Processing the spool...")
	log.DefaultLogger.Msg("server started", "version", Version)

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running cycles...")
	return inst.Close()
}

// Run starts the server with the configuration from configPath and
// blocks until a termination signal is received.
func Run(configPath string) error {
	if err := moduleMain(configPath); err != nil {
		systemdStatusErr(err)
		return err
	}
	return nil
}
