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

package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
)

// AddHeader prepends a header field to the message.
type AddHeader struct {
	base
	inlineArgs []string

	field string
	value string
}

func NewAddHeader(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 && len(inlineArgs) < 2 {
		return nil, fmt.Errorf("%s: usage: %s FIELD VALUE", modName, modName)
	}
	return &AddHeader{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (a *AddHeader) Init(cfg *config.Map) error {
	var defField, defValue string
	if len(a.inlineArgs) >= 2 {
		defField, defValue = a.inlineArgs[0], strings.Join(a.inlineArgs[1:], " ")
	}
	cfg.String("field", false, false, defField, &a.field)
	cfg.String("value", false, false, defValue, &a.value)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if a.field == "" {
		return fmt.Errorf("%s: field name is required", a.modName)
	}
	if strings.ContainsAny(a.field, ": \t\r\n") {
		return fmt.Errorf("%s: invalid field name: %q", a.modName, a.field)
	}
	if strings.ContainsAny(a.value, "\r\n") {
		return fmt.Errorf("%s: field value can't contain line breaks", a.modName)
	}
	return nil
}

func (a *AddHeader) Apply(_ context.Context, msg *module.Message) error {
	msg.Header.Add(a.field, a.value)
	return nil
}

func init() {
	module.Register("action.add_header", NewAddHeader)
}
