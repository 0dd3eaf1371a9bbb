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

// Package action implements the built-in actions used in stage blocks.
//
// An action receives a copy of the message restricted to the recipients
// selected by its condition. Removing a recipient marks it as handled,
// changing State moves the recipients to another stage.
package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

type base struct {
	modName  string
	instName string
}

func (b base) Name() string {
	return b.modName
}

func (b base) InstanceName() string {
	return b.instName
}

// stageArg binds the 'stage' directive with the inline argument as the
// default.
func stageArg(cfg *config.Map, modName string, inlineArgs []string, store *string) error {
	def := ""
	switch len(inlineArgs) {
	case 0:
	case 1:
		def = inlineArgs[0]
	default:
		return fmt.Errorf("%s: exactly one argument is required", modName)
	}
	cfg.String("stage", false, false, def, store)
	return nil
}

// ToStage moves the recipients to another stage.
type ToStage struct {
	base
	inlineArgs []string

	stage string
}

func NewToStage(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &ToStage{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (t *ToStage) Init(cfg *config.Map) error {
	if err := stageArg(cfg, t.modName, t.inlineArgs, &t.stage); err != nil {
		return err
	}
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if t.stage == "" {
		return fmt.Errorf("%s: stage name is required", t.modName)
	}
	return nil
}

func (t *ToStage) Apply(_ context.Context, msg *module.Message) error {
	msg.State = t.stage
	return nil
}

func (t *ToStage) Routes() []string {
	return []string{t.stage}
}

// Ghost discards the recipients.
type Ghost struct {
	base
}

func NewGhost(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &Ghost{base{modName, instName}}, nil
}

func (g *Ghost) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (g *Ghost) Apply(_ context.Context, msg *module.Message) error {
	msg.State = module.StateGhost
	return nil
}

// SetAttribute sets a message attribute.
type SetAttribute struct {
	base
	inlineArgs []string

	name  string
	value string
}

func NewSetAttribute(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 && len(inlineArgs) != 2 {
		return nil, fmt.Errorf("%s: usage: %s NAME VALUE", modName, modName)
	}
	return &SetAttribute{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (s *SetAttribute) Init(cfg *config.Map) error {
	var defName, defValue string
	if len(s.inlineArgs) == 2 {
		defName, defValue = s.inlineArgs[0], s.inlineArgs[1]
	}
	cfg.String("attribute", false, false, defName, &s.name)
	cfg.String("value", false, false, defValue, &s.value)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.name == "" {
		return fmt.Errorf("%s: attribute name is required", s.modName)
	}
	return nil
}

func (s *SetAttribute) Apply(_ context.Context, msg *module.Message) error {
	msg.SetAttr(s.name, s.value)
	return nil
}

// Retry counts a delivery attempt and moves the recipients to a stage,
// clearing the recorded failures.
type Retry struct {
	base
	inlineArgs []string

	stage string
}

func NewRetry(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Retry{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (r *Retry) Init(cfg *config.Map) error {
	if err := stageArg(cfg, r.modName, r.inlineArgs, &r.stage); err != nil {
		return err
	}
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if r.stage == "" {
		return fmt.Errorf("%s: stage name is required", r.modName)
	}
	return nil
}

func (r *Retry) Apply(_ context.Context, msg *module.Message) error {
	n, err := msg.DeliveryAttempts()
	if err != nil {
		return err
	}
	msg.SetAttr(module.AttrDeliveryAttempts, strconv.Itoa(n+1))
	for _, rcpt := range msg.Recipients {
		msg.ClearFailure(rcpt)
	}
	msg.ErrorMessage = ""
	msg.State = r.stage
	return nil
}

func (r *Retry) Routes() []string {
	return []string{r.stage}
}

// Log writes a line describing the message.
type Log struct {
	base
	inlineArgs []string
	log        log.Logger

	text string
}

func NewLog(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Log{
		base:       base{modName, instName},
		inlineArgs: inlineArgs,
		log:        log.Logger{Name: "log"},
	}, nil
}

func (l *Log) Init(cfg *config.Map) error {
	def := "message"
	if len(l.inlineArgs) != 0 {
		def = strings.Join(l.inlineArgs, " ")
	}
	cfg.String("text", false, false, def, &l.text)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	return nil
}

func (l *Log) Apply(_ context.Context, msg *module.Message) error {
	fields := []interface{}{
		"msg_id", msg.Key,
		"sender", msg.Sender,
		"rcpts", msg.Recipients,
		"state", msg.State,
	}
	if msg.ErrorMessage != "" {
		fields = append(fields, "error", msg.ErrorMessage)
	}
	l.log.Msg(l.text, fields...)
	return nil
}

func init() {
	module.Register("action.to_stage", NewToStage)
	module.Register("action.ghost", NewGhost)
	module.Register("action.set_attribute", NewSetAttribute)
	module.Register("action.retry", NewRetry)
	module.Register("action.log", NewLog)
}
