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

package module

import (
	"errors"
	"reflect"
	"testing"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
)

func TestMessageRcptSet(t *testing.T) {
	msg := &Message{}
	msg.AddRcpt("a@x")
	msg.AddRcpt("b@x")
	msg.AddRcpt("a@x")
	if !reflect.DeepEqual(msg.Recipients, []string{"a@x", "b@x"}) {
		t.Fatalf("duplicate recipient added: %v", msg.Recipients)
	}

	if !msg.RemoveRcpt("a@x") || msg.RemoveRcpt("a@x") {
		t.Error("RemoveRcpt result is wrong")
	}
	if msg.Retired() {
		t.Error("message with recipients is retired")
	}
	msg.RemoveRcpt("b@x")
	if !msg.Retired() {
		t.Error("message without recipients is not retired")
	}
}

func TestMessageClone(t *testing.T) {
	msg := &Message{Key: "k", Recipients: []string{"a@x"}, State: StateRoot}
	msg.SetAttr("delivery_attempts", "1")
	msg.Header.Add("Subject", "hi")

	cpy := msg.Clone()
	cpy.Recipients[0] = "b@x"
	cpy.SetAttr("delivery_attempts", "2")
	cpy.Header.Set("Subject", "changed")

	if msg.Recipients[0] != "a@x" || msg.Attr("delivery_attempts") != "1" || msg.Header.Get("Subject") != "hi" {
		t.Error("Clone shares state with the original")
	}
	if cpy.Key != "k" || cpy.State != StateRoot {
		t.Error("Clone lost fields")
	}
}

func TestMessageFailure(t *testing.T) {
	msg := &Message{}
	if _, ok := msg.Failure("a@x"); ok {
		t.Fatal("failure reported for a clean recipient")
	}

	msg.SetFailure("a@x", &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "no such\nuser",
	})
	f, ok := msg.Failure("a@x")
	if !ok {
		t.Fatal("failure not recorded")
	}
	if f.Code != 550 || f.EnhancedCode != (exterrors.EnhancedCode{5, 1, 1}) || f.Message != "no such user" {
		t.Errorf("wrong failure: %+v", f)
	}
	if f.Temporary() {
		t.Error("550 is reported as temporary")
	}

	msg.ClearFailure("a@x")
	if _, ok := msg.Failure("a@x"); ok {
		t.Error("failure not cleared")
	}
}

func TestGenerateMsgID(t *testing.T) {
	a, b := GenerateMsgID(), GenerateMsgID()
	if a == b || len(a) != 32 {
		t.Errorf("bad ids: %s %s", a, b)
	}
}

type dummy struct {
	name, inst string
	initErr    error
	inits      int
}

func (d *dummy) Init(*config.Map) error { d.inits++; return d.initErr }
func (d *dummy) Name() string           { return d.name }
func (d *dummy) InstanceName() string   { return d.inst }

func TestRegistryLazyInit(t *testing.T) {
	r := NewRegistry(log.Logger{Out: log.NopOutput{}})
	mod := &dummy{name: "table.static", inst: "local_domains"}
	if err := r.Register(mod, func() error { return mod.Init(nil) }); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&dummy{inst: "local_domains"}, nil); !errors.Is(err, ErrInstanceNameDuplicate) {
		t.Errorf("duplicate registration: %v", err)
	}
	if err := r.AddAlias("local_domains", "domains"); err != nil {
		t.Fatal(err)
	}

	if len(r.NotInitialized()) != 1 {
		t.Error("module reported as initialized before Get")
	}
	for _, name := range []string{"local_domains", "domains"} {
		got, err := r.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != mod {
			t.Errorf("wrong module for %s", name)
		}
	}
	if mod.inits != 1 {
		t.Errorf("Init called %d times", mod.inits)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrInstanceUnknown) {
		t.Errorf("unexpected error: %v", err)
	}
}

type lifetimeDummy struct {
	dummy
	log *[]string
	err error
}

func (d *lifetimeDummy) Start() error {
	*d.log = append(*d.log, "start "+d.inst)
	return d.err
}

func (d *lifetimeDummy) Stop() error {
	*d.log = append(*d.log, "stop "+d.inst)
	return nil
}

func TestLifetimeTracker(t *testing.T) {
	var events []string
	lt := NewLifetime(log.Logger{Out: log.NopOutput{}})
	lt.Add(&lifetimeDummy{dummy: dummy{inst: "a"}, log: &events})
	lt.Add(&lifetimeDummy{dummy: dummy{inst: "b"}, log: &events, err: errors.New("fail")})

	if err := lt.StartAll(); err == nil {
		t.Fatal("expected start failure")
	}
	want := []string{"start a", "start b", "stop a"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("wrong events: %v", events)
	}
}
