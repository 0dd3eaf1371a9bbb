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

package log

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/spoold/framework/exterrors"
)

func captureLogger(name string, debug bool) (Logger, *[]string) {
	var lines []string
	out := FuncOutput(func(_ time.Time, dbg bool, msg string) {
		if dbg {
			msg = "[debug] " + msg
		}
		lines = append(lines, msg)
	}, nil)
	return Logger{Out: out, Name: name, Debug: debug}, &lines
}

func TestLoggerMsg_OrderedFields(t *testing.T) {
	l, lines := captureLogger("spool", false)
	l.Msg("stored", "msg_id", "A", "attempt", 2, "at", 3*time.Second)

	want := `spool: stored` + "\t" + `{"at":"3s","attempt":2,"msg_id":"A"}`
	if len(*lines) != 1 || (*lines)[0] != want {
		t.Fatalf("unexpected output: %q", *lines)
	}
}

func TestLoggerError_ErrFields(t *testing.T) {
	l, lines := captureLogger("dispatch", false)
	err := exterrors.WithFields(errors.New("boom"), map[string]interface{}{"stage": "root"})
	l.Error("cycle failed", err, "msg_id", "B")

	line := (*lines)[0]
	for _, part := range []string{`"reason":"boom"`, `"stage":"root"`, `"msg_id":"B"`} {
		if !strings.Contains(line, part) {
			t.Errorf("missing %s in %q", part, line)
		}
	}

	l.Error("ignored", nil)
	if len(*lines) != 1 {
		t.Error("nil error should not be logged")
	}
}

func TestLoggerDebug(t *testing.T) {
	l, lines := captureLogger("x", false)
	l.DebugMsg("hidden")
	l.Debugf("hidden %d", 1)
	if len(*lines) != 0 {
		t.Fatal("debug messages written with Debug=false")
	}

	l.Debug = true
	l.DebugMsg("shown", "k", "v")
	if len(*lines) != 1 || !strings.HasPrefix((*lines)[0], "[debug] x: shown") {
		t.Fatalf("unexpected output: %q", *lines)
	}
}

func TestLoggerSubloggerWith(t *testing.T) {
	l, lines := captureLogger("pipeline", false)
	sub := l.Sublogger("root").With("stage", "root")
	sub.Msg("matched")

	if (*lines)[0] != "pipeline/root: matched\t{\"stage\":\"root\"}" {
		t.Fatalf("unexpected output: %q", *lines)
	}
	if l.Fields != nil {
		t.Error("With modified the parent logger")
	}
}
