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
	"fmt"
	"regexp"
	"strconv"

	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
)

// envelopeCond selects all recipients if the predicate holds.
type envelopeCond struct {
	base
	pred func(msg *module.Message) (bool, error)
}

func (e *envelopeCond) Match(_ context.Context, msg *module.Message) ([]string, error) {
	ok, err := e.pred(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.modName, err)
	}
	if !ok {
		return nil, nil
	}
	return allRcpts(msg), nil
}

// SenderIs matches if the envelope sender is one of the configured
// addresses.
type SenderIs struct {
	envelopeCond
	inlineArgs []string

	addrs []string
}

func NewSenderIs(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &SenderIs{inlineArgs: inlineArgs}
	s.envelopeCond = envelopeCond{base: base{modName, instName}, pred: s.match}
	return s, nil
}

func (s *SenderIs) Init(cfg *config.Map) error {
	cfg.StringList("addresses", false, false, s.inlineArgs, &s.addrs)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(s.addrs) == 0 {
		return fmt.Errorf("%s: at least one address is required", s.modName)
	}
	return nil
}

func (s *SenderIs) match(msg *module.Message) (bool, error) {
	for _, addr := range s.addrs {
		if address.Equal(msg.Sender, addr) {
			return true, nil
		}
	}
	return false, nil
}

// SenderIsNull matches messages with the null return-path.
type SenderIsNull struct {
	envelopeCond
}

func NewSenderIsNull(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &SenderIsNull{envelopeCond{
		base: base{modName, instName},
		pred: func(msg *module.Message) (bool, error) {
			return msg.Sender == "", nil
		},
	}}, nil
}

func (s *SenderIsNull) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

// HasAttribute matches if the attribute is set, optionally to a
// specific value.
type HasAttribute struct {
	envelopeCond
	inlineArgs []string

	name     string
	value    string
	anyValue bool
}

func NewHasAttribute(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 2 {
		return nil, fmt.Errorf("%s: usage: %s NAME [VALUE]", modName, modName)
	}
	h := &HasAttribute{inlineArgs: inlineArgs}
	h.envelopeCond = envelopeCond{base: base{modName, instName}, pred: h.match}
	return h, nil
}

func (h *HasAttribute) Init(cfg *config.Map) error {
	var defName, defValue string
	if len(h.inlineArgs) > 0 {
		defName = h.inlineArgs[0]
	}
	if len(h.inlineArgs) > 1 {
		defValue = h.inlineArgs[1]
	}
	cfg.String("attribute", false, false, defName, &h.name)
	cfg.String("value", false, false, defValue, &h.value)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if h.name == "" {
		return fmt.Errorf("%s: attribute name is required", h.modName)
	}
	h.anyValue = len(h.inlineArgs) < 2 && cfg.Values["value"] == nil
	return nil
}

func (h *HasAttribute) match(msg *module.Message) (bool, error) {
	val, ok := msg.Attributes[h.name]
	if !ok {
		return false, nil
	}
	return h.anyValue || val == h.value, nil
}

// AttemptsBelow matches if fewer than N delivery attempts were made.
type AttemptsBelow struct {
	envelopeCond
	inlineArgs []string

	max int
}

func NewAttemptsBelow(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	a := &AttemptsBelow{inlineArgs: inlineArgs}
	a.envelopeCond = envelopeCond{base: base{modName, instName}, pred: a.match}
	return a, nil
}

func (a *AttemptsBelow) Init(cfg *config.Map) error {
	def := -1
	switch len(a.inlineArgs) {
	case 0:
	case 1:
		var err error
		def, err = strconv.Atoi(a.inlineArgs[0])
		if err != nil {
			return fmt.Errorf("%s: invalid number: %s", a.modName, a.inlineArgs[0])
		}
	default:
		return fmt.Errorf("%s: exactly one argument is required", a.modName)
	}
	cfg.Int("attempts", false, false, def, &a.max)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if a.max < 0 {
		return fmt.Errorf("%s: attempts count is required", a.modName)
	}
	return nil
}

func (a *AttemptsBelow) match(msg *module.Message) (bool, error) {
	n, err := msg.DeliveryAttempts()
	if err != nil {
		return false, err
	}
	return n < a.max, nil
}

// ErrorMatches matches if the last error description matches the
// regular expression.
type ErrorMatches struct {
	envelopeCond
	inlineArgs []string

	re *regexp.Regexp
}

func NewErrorMatches(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 1 {
		return nil, fmt.Errorf("%s: exactly one argument is required", modName)
	}
	e := &ErrorMatches{inlineArgs: inlineArgs}
	e.envelopeCond = envelopeCond{base: base{modName, instName}, pred: e.match}
	return e, nil
}

func (e *ErrorMatches) Init(cfg *config.Map) error {
	var def, expr string
	if len(e.inlineArgs) == 1 {
		def = e.inlineArgs[0]
	}
	cfg.String("regexp", false, false, def, &expr)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if expr == "" {
		return fmt.Errorf("%s: regexp is required", e.modName)
	}

	var err error
	e.re, err = regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%s: %w", e.modName, err)
	}
	return nil
}

func (e *ErrorMatches) match(msg *module.Message) (bool, error) {
	return msg.ErrorMessage != "" && e.re.MatchString(msg.ErrorMessage), nil
}

// HeaderMatches matches if any field with the given name has a value
// matching the regular expression.
type HeaderMatches struct {
	envelopeCond
	inlineArgs []string

	field string
	re    *regexp.Regexp
}

func NewHeaderMatches(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 && len(inlineArgs) != 2 {
		return nil, fmt.Errorf("%s: usage: %s FIELD REGEXP", modName, modName)
	}
	h := &HeaderMatches{inlineArgs: inlineArgs}
	h.envelopeCond = envelopeCond{base: base{modName, instName}, pred: h.match}
	return h, nil
}

func (h *HeaderMatches) Init(cfg *config.Map) error {
	var defField, defExpr, expr string
	if len(h.inlineArgs) == 2 {
		defField, defExpr = h.inlineArgs[0], h.inlineArgs[1]
	}
	cfg.String("field", false, false, defField, &h.field)
	cfg.String("regexp", false, false, defExpr, &expr)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if h.field == "" || expr == "" {
		return fmt.Errorf("%s: field and regexp are required", h.modName)
	}

	var err error
	h.re, err = regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("%s: %w", h.modName, err)
	}
	return nil
}

func (h *HeaderMatches) match(msg *module.Message) (bool, error) {
	fields := msg.Header.FieldsByKey(h.field)
	for fields.Next() {
		if h.re.MatchString(fields.Value()) {
			return true, nil
		}
	}
	return false, nil
}

// FailureIs matches recipients with a recorded delivery failure of the
// given kind: permanent, temporary or any.
type FailureIs struct {
	base
	inlineArgs []string

	kind string
}

func NewFailureIs(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 1 {
		return nil, fmt.Errorf("%s: at most one argument is allowed", modName)
	}
	return &FailureIs{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (f *FailureIs) Init(cfg *config.Map) error {
	def := "any"
	if len(f.inlineArgs) == 1 {
		def = f.inlineArgs[0]
	}
	cfg.Enum("kind", false, false, []string{"permanent", "temporary", "any"}, def, &f.kind)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	switch f.kind {
	case "permanent", "temporary", "any":
		return nil
	default:
		return fmt.Errorf("%s: unknown failure kind: %s", f.modName, f.kind)
	}
}

func (f *FailureIs) Match(_ context.Context, msg *module.Message) ([]string, error) {
	var res []string
	for _, rcpt := range msg.Recipients {
		failure, ok := msg.Failure(rcpt)
		if !ok {
			continue
		}
		switch f.kind {
		case "permanent":
			ok = !failure.Temporary()
		case "temporary":
			ok = failure.Temporary()
		}
		if ok {
			res = append(res, rcpt)
		}
	}
	return res, nil
}

func init() {
	module.Register("condition.sender_is", NewSenderIs)
	module.Register("condition.sender_is_null", NewSenderIsNull)
	module.Register("condition.has_attribute", NewHasAttribute)
	module.Register("condition.attempts_below", NewAttemptsBelow)
	module.Register("condition.error_matches", NewErrorMatches)
	module.Register("condition.header_matches", NewHeaderMatches)
	module.Register("condition.failure_is", NewFailureIs)
}
