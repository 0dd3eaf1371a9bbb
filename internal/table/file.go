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
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/hooks"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

const FileModName = "table.file"

var reloadInterval = 15 * time.Second

// File is a table read from a text file with 'key: value1, value2'
// lines. The file is re-read when its modification time changes and
// on the reload event.
type File struct {
	instName string
	path     string

	mLck   sync.RWMutex
	m      map[string][]string
	mStamp time.Time

	forceReload chan struct{}
	stop        chan struct{}
	stopped     chan struct{}
	closeOnce   sync.Once

	log log.Logger
}

func NewFile(_, instName string, _, inlineArgs []string) (module.Module, error) {
	f := &File{
		instName:    instName,
		m:           make(map[string][]string),
		forceReload: make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		log:         log.Logger{Name: FileModName},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		f.path = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: only one file per table is allowed, combine tables using table.chain", FileModName)
	}

	return f, nil
}

func (f *File) Name() string {
	return FileModName
}

func (f *File) InstanceName() string {
	return f.instName
}

func (f *File) Init(cfg *config.Map) error {
	var path string
	cfg.Bool("debug", true, false, &f.log.Debug)
	cfg.String("file", false, false, "", &path)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	switch {
	case path != "" && f.path != "":
		return fmt.Errorf("%s: file path specified both in directive and in argument", FileModName)
	case path != "":
		f.path = path
	case f.path == "":
		return fmt.Errorf("%s: file path is required", FileModName)
	}

	if info, err := os.Stat(f.path); err == nil {
		f.mStamp = info.ModTime()
	}
	if err := readFile(f.path, f.m); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		f.log.Printf("ignoring non-existent file: %s", f.path)
	}

	go f.reloader()
	hooks.AddHook(hooks.EventReload, f.triggerReload)

	return nil
}

func (f *File) triggerReload() {
	select {
	case f.forceReload <- struct{}{}:
	default:
	}
}

func (f *File) reloader() {
	defer close(f.stopped)
	defer func() {
		if err := recover(); err != nil {
			f.log.Printf("panic during reload: %v\n%s", err, debug.Stack())
		}
	}()

	t := time.NewTicker(reloadInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			f.reload(false)
		case <-f.forceReload:
			f.reload(true)
		case <-f.stop:
			return
		}
	}
}

func (f *File) reload(force bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mLck.Lock()
			f.m = map[string][]string{}
			f.mStamp = time.Time{}
			f.mLck.Unlock()
			return
		}
		f.log.Error("stat failed", err, "path", f.path)
		return
	}

	f.mLck.RLock()
	stamp := f.mStamp
	f.mLck.RUnlock()
	if !force && info.ModTime().Equal(stamp) {
		return
	}

	f.log.DebugMsg("reloading", "path", f.path)

	newM := make(map[string][]string)
	if err := readFile(f.path, newM); err != nil {
		if os.IsNotExist(err) {
			return
		}
		f.log.Error("reload failed, keeping old contents", err, "path", f.path)
		return
	}

	// The file could be modified while it was read, in that case pick it
	// up on the next tick.
	info2, err := os.Stat(f.path)
	if err != nil || !info2.ModTime().Equal(info.ModTime()) {
		return
	}

	f.mLck.Lock()
	f.m = newM
	f.mStamp = info.ModTime()
	f.mLck.Unlock()
}

func (f *File) Close() error {
	f.closeOnce.Do(func() {
		close(f.stop)
	})
	<-f.stopped
	return nil
}

func readFile(path string, out map[string][]string) error {
	fd, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fd.Close()

	scnr := bufio.NewScanner(fd)
	lineNum := 0
	for scnr.Scan() {
		lineNum++

		text := strings.TrimSpace(scnr.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, vals, _ := strings.Cut(text, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("%s:%d: empty key before colon", path, lineNum)
		}

		for _, val := range strings.Split(vals, ",") {
			out[key] = append(out[key], strings.TrimSpace(val))
		}
	}
	return scnr.Err()
}

func (f *File) snapshot() map[string][]string {
	// The map is replaced on reload, never modified.
	f.mLck.RLock()
	defer f.mLck.RUnlock()
	return f.m
}

func (f *File) Lookup(_ context.Context, key string) (string, bool, error) {
	vals := f.snapshot()[key]
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func (f *File) LookupMulti(_ context.Context, key string) ([]string, error) {
	return f.snapshot()[key], nil
}

func init() {
	module.Register(FileModName, NewFile)
}
