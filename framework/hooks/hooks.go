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

// Package hooks implements process-wide event callbacks triggered by
// signals.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the process is about to stop.
	EventShutdown Event = iota

	// EventReload is triggered by SIGUSR2 and requests re-reading of
	// secondary files like file-backed tables.
	EventReload

	// EventLogRotate is triggered by SIGUSR1 and requests reopening of
	// log files.
	EventLogRotate
)

// Hooks is a set of callbacks keyed by event.
type Hooks struct {
	lock  sync.Mutex
	hooks map[Event][]func()
}

func New() *Hooks {
	return &Hooks{hooks: make(map[Event][]func())}
}

// Add installs f to be called when ev is triggered.
func (h *Hooks) Add(ev Event, f func()) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.hooks[ev] = append(h.hooks[ev], f)
}

// Run calls hooks installed for ev in reverse order of installation.
func (h *Hooks) Run(ev Event) {
	h.lock.Lock()
	// Copied so hooks run without the lock held, they likely do I/O.
	toRun := append([]func(){}, h.hooks[ev]...)
	h.lock.Unlock()

	for i := len(toRun) - 1; i >= 0; i-- {
		toRun[i]()
	}
}

// Default is the set used by the spoold process.
var Default = New()

func AddHook(ev Event, f func()) { Default.Add(ev, f) }

func RunHooks(ev Event) { Default.Run(ev) }
