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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/dsn"
)

// AttrDSNFor is set on generated reports, its value is the key of the
// message the report is about.
const AttrDSNFor = "dsn_for"

// Bounce sends a delivery status notification to the sender and marks
// the recipients as handled.
//
// The recorded per-recipient failure is used as the diagnostic code,
// messages without one get the ErrorMessage of the message.
type Bounce struct {
	base
	log log.Logger

	hostname  string
	msgDomain string
	stage     string
	enqueuer  module.Enqueuer
	now       func() time.Time
}

func NewBounce(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &Bounce{
		base: base{modName, instName},
		log:  log.Logger{Name: "bounce"},
		now:  time.Now,
	}, nil
}

func (b *Bounce) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &b.log.Debug)
	cfg.String("hostname", true, true, "", &b.hostname)
	cfg.String("autogenerated_msg_domain", true, false, "", &b.msgDomain)
	cfg.String("stage", false, false, module.StateRoot, &b.stage)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if b.msgDomain == "" {
		b.msgDomain = b.hostname
	}
	b.enqueuer = modconfig.EnqueuerFrom(cfg.Globals)
	if b.enqueuer == nil {
		return fmt.Errorf("%s: spool is not available", b.modName)
	}
	return nil
}

func (b *Bounce) Routes() []string {
	return []string{b.stage}
}

func rcptFailure(msg *module.Message, rcpt string) *exterrors.SMTPError {
	if failure, ok := msg.Failure(rcpt); ok {
		return failure
	}
	desc := msg.ErrorMessage
	if desc == "" {
		desc = "Delivery failed"
	}
	return &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      desc,
	}
}

func needsUTF8(sender string, rcpts []string) bool {
	if !address.IsASCII(sender) {
		return true
	}
	for _, rcpt := range rcpts {
		if !address.IsASCII(rcpt) {
			return true
		}
	}
	return false
}

func (b *Bounce) Apply(ctx context.Context, msg *module.Message) error {
	rcpts := msg.Recipients
	msg.Recipients = nil

	// Null return-path, used by reports themselves.
	if msg.Sender == "" {
		b.log.Msg("not bouncing a message with the null sender", "msg_id", msg.Key, "rcpts", rcpts)
		return nil
	}

	dsnID := module.GenerateMsgID()
	utf8 := needsUTF8(msg.Sender, rcpts)
	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + b.msgDomain + ">",
		From:  "MAILER-DAEMON@" + b.msgDomain,
		To:    msg.Sender,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    b.hostname,
		ReceivedFromMTA: msg.RemoteHost,
		XSender:         msg.Sender,
		XMessageID:      msg.Key,
		ArrivalDate:     msg.Created,
		LastAttemptDate: b.now(),
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(rcpts))
	for _, rcpt := range rcpts {
		failure := rcptFailure(msg, rcpt)
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         failure.EnhancedCode,
			DiagnosticCode: failure,
		})
		msg.ClearFailure(rcpt)
	}

	var body bytes.Buffer
	dsnHeader, err := dsn.GenerateDSN(utf8, envelope, mtaInfo, rcptInfo, msg.Header, &body)
	if err != nil {
		return fmt.Errorf("bounce: %w", err)
	}

	report := &module.Message{
		Key:        dsnID,
		Recipients: []string{msg.Sender},
		State:      b.stage,
		Header:     dsnHeader,
		Attributes: map[string]string{AttrDSNFor: msg.Key},
	}
	if err := b.enqueuer.Enqueue(ctx, report, body.Bytes()); err != nil {
		return exterrors.WithFields(fmt.Errorf("bounce: %w", err), map[string]interface{}{"dsn_id": dsnID})
	}

	b.log.Msg("generated failed DSN", "msg_id", msg.Key, "dsn_id", dsnID, "rcpts", rcpts)
	return nil
}

// NotifyPostmaster puts a copy of the message addressed to the
// postmaster into the spool. The message itself is not changed.
type NotifyPostmaster struct {
	base
	log log.Logger

	postmaster   string
	localDomains []string
	stage        string
	enqueuer     module.Enqueuer
}

func NewNotifyPostmaster(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &NotifyPostmaster{
		base: base{modName, instName},
		log:  log.Logger{Name: "notify_postmaster"},
	}, nil
}

func (n *NotifyPostmaster) Init(cfg *config.Map) error {
	postmasterDirectives(cfg, &n.postmaster, &n.localDomains)
	cfg.String("stage", false, false, module.StateRoot, &n.stage)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if n.postmaster == "" {
		n.postmaster = defaultPostmaster(cfg, n.localDomains)
	}
	if n.postmaster == "" {
		return fmt.Errorf("%s: postmaster address is not configured", n.modName)
	}
	n.enqueuer = modconfig.EnqueuerFrom(cfg.Globals)
	if n.enqueuer == nil {
		return fmt.Errorf("%s: spool is not available", n.modName)
	}
	return nil
}

func (n *NotifyPostmaster) Routes() []string {
	return []string{n.stage}
}

func (n *NotifyPostmaster) Apply(ctx context.Context, msg *module.Message) error {
	if msg.Body == nil {
		return errors.New("notify_postmaster: message has no body")
	}
	r, err := msg.Body.Open()
	if err != nil {
		return fmt.Errorf("notify_postmaster: %w", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("notify_postmaster: %w", err)
	}

	hdr := msg.Header.Copy()
	hdr.Add("X-Spoold-Original-Key", msg.Key)
	if msg.ErrorMessage != "" {
		hdr.Add("X-Spoold-Error", msg.ErrorMessage)
	}

	// The null sender prevents bounce loops if the copy can't be
	// delivered.
	cpy := &module.Message{
		Recipients: []string{n.postmaster},
		RemoteHost: msg.RemoteHost,
		RemoteAddr: msg.RemoteAddr,
		State:      n.stage,
		Header:     hdr,
		Attributes: map[string]string{"notify_for": msg.Key},
	}
	if err := n.enqueuer.Enqueue(ctx, cpy, body); err != nil {
		return fmt.Errorf("notify_postmaster: %w", err)
	}

	n.log.Msg("postmaster notified", "msg_id", msg.Key, "copy_id", cpy.Key)
	return nil
}

func init() {
	module.Register("action.bounce", NewBounce)
	module.Register("action.notify_postmaster", NewNotifyPostmaster)
}
