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

package condition

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/testutils"
)

func newCond(t *testing.T, name string, globals map[string]interface{}, args ...string) (module.Condition, error) {
	t.Helper()

	modName := "condition." + name
	mod, err := module.Get(modName)(modName, "", nil, args)
	if err != nil {
		return nil, err
	}
	node := config.Node{Name: "match", Args: append([]string{name}, args...)}
	if err := mod.Init(config.NewMap(globals, node)); err != nil {
		return nil, err
	}
	return mod.(module.Condition), nil
}

func mustCond(t *testing.T, name string, globals map[string]interface{}, args ...string) module.Condition {
	t.Helper()
	c, err := newCond(t, name, globals, args...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func checkMatch(t *testing.T, c module.Condition, msg *module.Message, want []string) {
	t.Helper()
	got, err := c.Match(context.Background(), msg)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wrong match: want %v, got %v", want, got)
	}
}

type namedTable struct {
	testutils.Table
	instName string
}

func (n namedTable) InstanceName() string { return n.instName }

func TestAll(t *testing.T) {
	c := mustCond(t, "all", nil)
	checkMatch(t, c, &module.Message{Recipients: []string{"a@example.org", "b@example.org"}},
		[]string{"a@example.org", "b@example.org"})

	if _, err := newCond(t, "all", nil, "x"); err == nil {
		t.Error("arguments are accepted")
	}
}

func TestAll_Copy(t *testing.T) {
	c := mustCond(t, "all", nil)
	msg := &module.Message{Recipients: []string{"a@example.org"}}
	res, _ := c.Match(context.Background(), msg)
	res[0] = "changed@example.org"
	if msg.Recipients[0] != "a@example.org" {
		t.Error("Match returned the recipients slice of the message")
	}
}

func TestRecipientIs(t *testing.T) {
	c := mustCond(t, "recipient_is", nil, "b@example.org", "a@Example.org")
	checkMatch(t, c, &module.Message{
		Recipients: []string{"a@example.org", "B@EXAMPLE.ORG", "c@example.com"},
	}, []string{"a@example.org", "B@EXAMPLE.ORG"})

	if _, err := newCond(t, "recipient_is", nil); err == nil {
		t.Error("no addresses accepted")
	}
}

func TestRecipientIn(t *testing.T) {
	reg := module.NewRegistry(testutils.Logger(t, "registry"))
	tbl := &namedTable{
		Table: testutils.Table{M: map[string]string{
			"a@example.org": "",
			"example.com":   "",
		}},
		instName: "rcpts",
	}
	if err := reg.Register(tbl, nil); err != nil {
		t.Fatal(err)
	}
	globals := modconfig.WithRegistry(nil, reg)

	c := mustCond(t, "recipient_in", globals, "&rcpts")
	checkMatch(t, c, &module.Message{
		Recipients: []string{"A@example.org", "x@example.com", "y@example.net", "postmaster"},
	}, []string{"A@example.org", "x@example.com"})

	tbl.Err = errors.New("lookup failed")
	if _, err := c.Match(context.Background(), &module.Message{Recipients: []string{"a@example.org"}}); err == nil {
		t.Error("table error is not propagated")
	}

	if _, err := newCond(t, "recipient_in", globals); err == nil {
		t.Error("missing table is accepted")
	}
	if _, err := newCond(t, "recipient_in", globals, "&missing"); err == nil {
		t.Error("unknown table is accepted")
	}
}

func TestHostIs(t *testing.T) {
	c := mustCond(t, "host_is", nil, "example.org")
	checkMatch(t, c, &module.Message{
		Recipients: []string{"a@EXAMPLE.ORG", "b@example.com", "postmaster", "c@example.org."},
	}, []string{"a@EXAMPLE.ORG", "c@example.org."})
}

func TestHostLocality(t *testing.T) {
	globals := map[string]interface{}{"local_domains": []string{"example.org"}}
	msg := &module.Message{Recipients: []string{"a@Example.Org", "b@example.com", "postmaster"}}

	checkMatch(t, mustCond(t, "host_is_local", globals), msg, []string{"a@Example.Org", "postmaster"})
	checkMatch(t, mustCond(t, "host_is_remote", globals), msg, []string{"b@example.com"})

	if _, err := newCond(t, "host_is_local", nil); err == nil {
		t.Error("missing local_domains accepted")
	}
}

func TestHostLocality_Table(t *testing.T) {
	reg := module.NewRegistry(testutils.Logger(t, "registry"))
	if err := reg.Register(&namedTable{
		Table:    testutils.Table{M: map[string]string{"example.com": ""}},
		instName: "domains",
	}, nil); err != nil {
		t.Fatal(err)
	}
	globals := modconfig.WithRegistry(map[string]interface{}{
		"local_domains": []string{"example.org"},
	}, reg)

	msg := &module.Message{Recipients: []string{"a@example.org", "b@EXAMPLE.COM"}}
	checkMatch(t, mustCond(t, "host_is_local", globals, "&domains"), msg, []string{"b@EXAMPLE.COM"})
	checkMatch(t, mustCond(t, "host_is_remote", globals, "&domains"), msg, []string{"a@example.org"})
}

func TestSenderIs(t *testing.T) {
	c := mustCond(t, "sender_is", nil, "MAILER@example.org")
	rcpts := []string{"a@example.com", "b@example.com"}

	checkMatch(t, c, &module.Message{Sender: "mailer@example.org", Recipients: rcpts}, rcpts)
	checkMatch(t, c, &module.Message{Sender: "other@example.org", Recipients: rcpts}, nil)
}

func TestSenderIsNull(t *testing.T) {
	c := mustCond(t, "sender_is_null", nil)
	rcpts := []string{"a@example.com"}

	checkMatch(t, c, &module.Message{Recipients: rcpts}, rcpts)
	checkMatch(t, c, &module.Message{Sender: "a@example.org", Recipients: rcpts}, nil)
}

func TestHasAttribute(t *testing.T) {
	rcpts := []string{"a@example.com"}
	msg := &module.Message{Recipients: rcpts}
	msg.SetAttr("origin", "submission")

	checkMatch(t, mustCond(t, "has_attribute", nil, "origin"), msg, rcpts)
	checkMatch(t, mustCond(t, "has_attribute", nil, "origin", "submission"), msg, rcpts)
	checkMatch(t, mustCond(t, "has_attribute", nil, "origin", "relay"), msg, nil)
	checkMatch(t, mustCond(t, "has_attribute", nil, "other"), msg, nil)

	if _, err := newCond(t, "has_attribute", nil); err == nil {
		t.Error("missing attribute name accepted")
	}
}

func TestAttemptsBelow(t *testing.T) {
	c := mustCond(t, "attempts_below", nil, "3")
	rcpts := []string{"a@example.com"}

	msg := &module.Message{Recipients: rcpts}
	checkMatch(t, c, msg, rcpts)

	msg.SetAttr(module.AttrDeliveryAttempts, "2")
	checkMatch(t, c, msg, rcpts)

	msg.SetAttr(module.AttrDeliveryAttempts, "3")
	checkMatch(t, c, msg, nil)

	msg.SetAttr(module.AttrDeliveryAttempts, "many")
	if _, err := c.Match(context.Background(), msg); err == nil {
		t.Error("malformed counter accepted")
	}

	if _, err := newCond(t, "attempts_below", nil, "x"); err == nil {
		t.Error("invalid number accepted")
	}
	if _, err := newCond(t, "attempts_below", nil); err == nil {
		t.Error("missing number accepted")
	}
}

func TestErrorMatches(t *testing.T) {
	c := mustCond(t, "error_matches", nil, "^no such stage")
	rcpts := []string{"a@example.com"}

	checkMatch(t, c, &module.Message{Recipients: rcpts, ErrorMessage: "no such stage: bogus"}, rcpts)
	checkMatch(t, c, &module.Message{Recipients: rcpts, ErrorMessage: "connection refused"}, nil)
	checkMatch(t, c, &module.Message{Recipients: rcpts}, nil)

	if _, err := newCond(t, "error_matches", nil, "("); err == nil {
		t.Error("invalid regexp accepted")
	}
}

func TestHeaderMatches(t *testing.T) {
	c := mustCond(t, "header_matches", nil, "X-Priority", "^(1|2)$")
	rcpts := []string{"a@example.com"}

	msg := &module.Message{Recipients: rcpts}
	checkMatch(t, c, msg, nil)

	msg.Header.Add("X-Priority", "3")
	checkMatch(t, c, msg, nil)

	msg.Header.Add("X-Priority", "1")
	checkMatch(t, c, msg, rcpts)

	if _, err := newCond(t, "header_matches", nil, "X-Priority"); err == nil {
		t.Error("missing regexp accepted")
	}
}

func TestFailureIs(t *testing.T) {
	msg := &module.Message{Recipients: []string{"perm@example.com", "temp@example.com", "ok@example.com"}}
	msg.SetFailure("perm@example.com", &exterrors.SMTPError{
		Code: 550, EnhancedCode: exterrors.EnhancedCode{5, 1, 1}, Message: "no such user",
	})
	msg.SetFailure("temp@example.com", &exterrors.SMTPError{
		Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 4, 1}, Message: "try later",
	})

	checkMatch(t, mustCond(t, "failure_is", nil, "permanent"), msg, []string{"perm@example.com"})
	checkMatch(t, mustCond(t, "failure_is", nil, "temporary"), msg, []string{"temp@example.com"})
	checkMatch(t, mustCond(t, "failure_is", nil), msg, []string{"perm@example.com", "temp@example.com"})

	if _, err := newCond(t, "failure_is", nil, "sometimes"); err == nil {
		t.Error("unknown kind accepted")
	}
}
