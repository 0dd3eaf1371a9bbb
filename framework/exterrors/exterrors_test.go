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

package exterrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestFieldsPrecedence(t *testing.T) {
	inner := WithFields(errors.New("x"), map[string]interface{}{"a": 1, "b": 1})
	outer := WithFields(fmt.Errorf("wrap: %w", inner), map[string]interface{}{"a": 2})

	f := Fields(outer)
	if f["a"] != 2 || f["b"] != 1 {
		t.Fatalf("unexpected fields: %v", f)
	}
}

func TestTemporary(t *testing.T) {
	plain := errors.New("x")
	if !IsTemporaryOrUnspec(plain) || IsTemporary(plain) {
		t.Error("plain error classification is wrong")
	}

	perm := fmt.Errorf("wrap: %w", WithTemporary(plain, false))
	if IsTemporaryOrUnspec(perm) {
		t.Error("permanent error reported as temporary")
	}

	se := &SMTPError{Code: 451, EnhancedCode: EnhancedCode{4, 4, 1}, Message: "try later"}
	if !IsTemporary(se) {
		t.Error("4xx SMTPError should be temporary")
	}
	if SMTPEnchCode(plain, EnhancedCode{0, 1, 1}) != (EnhancedCode{4, 1, 1}) {
		t.Error("SMTPEnchCode did not set the class digit")
	}
	if se.Error() != "451 4.4.1 try later" {
		t.Errorf("unexpected text: %s", se.Error())
	}
}
