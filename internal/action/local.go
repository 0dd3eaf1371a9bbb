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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

var deliveryCounter uint64

// DeliverLocal writes the message into per-recipient maildir folders
// under root: ROOT/MAILBOX/{tmp,new,cur}. MAILBOX is the recipient
// address folded using address.PRECISFold.
type DeliverLocal struct {
	base
	inlineArgs []string
	log        log.Logger

	root     string
	hostname string
	fsync    bool
}

func NewDeliverLocal(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 1 {
		return nil, fmt.Errorf("%s: at most one argument expected", modName)
	}
	return &DeliverLocal{
		base:       base{modName, instName},
		inlineArgs: inlineArgs,
		log:        log.Logger{Name: "deliver_local"},
	}, nil
}

func (dl *DeliverLocal) Init(cfg *config.Map) error {
	defaultRoot := ""
	if len(dl.inlineArgs) == 1 {
		defaultRoot = dl.inlineArgs[0]
	} else if config.StateDirectory != "" {
		defaultRoot = filepath.Join(config.StateDirectory, "mail")
	}

	cfg.Bool("debug", true, false, &dl.log.Debug)
	cfg.String("root", false, false, defaultRoot, &dl.root)
	cfg.String("hostname", true, false, "localhost", &dl.hostname)
	cfg.Bool("fsync", false, true, &dl.fsync)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if dl.root == "" {
		return config.NodeErr(cfg.Block, "%s: root directory not set", dl.modName)
	}
	return os.MkdirAll(dl.root, 0o700)
}

// mailboxDir returns the folder for rcpt. Names that can escape root are
// rejected.
func (dl *DeliverLocal) mailboxDir(rcpt string) (string, error) {
	name, err := address.PRECISFold(rcpt)
	if err != nil {
		return "", err
	}
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\\x00") {
		return "", fmt.Errorf("unsafe mailbox name: %q", name)
	}
	return filepath.Join(dl.root, name), nil
}

// uniqueName generates the file name in the format recommended by the
// maildir specification.
func (dl *DeliverLocal) uniqueName(msgKey string) string {
	now := time.Now()
	seq := atomic.AddUint64(&deliveryCounter, 1)
	return strconv.FormatInt(now.Unix(), 10) + ".M" + strconv.Itoa(now.Nanosecond()/1000) +
		"P" + strconv.Itoa(os.Getpid()) + "Q" + strconv.FormatUint(seq, 10) + "_" + msgKey +
		"." + strings.ReplaceAll(strings.ReplaceAll(dl.hostname, "/", `\057`), ":", `\072`)
}

func (dl *DeliverLocal) deliver(msg *module.Message, rcpt string) error {
	dir, err := dl.mailboxDir(rcpt)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
			Message:      "Recipient address can't be used as a mailbox name",
			TargetName:   "deliver_local",
			Err:          err,
		}
	}

	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return err
		}
	}

	name := dl.uniqueName(msg.Key)
	tmpPath := filepath.Join(dir, "tmp", name)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	hdr := msg.Header.Copy()
	hdr.Add("Delivered-To", rcpt)
	hdr.Add("Return-Path", "<"+msg.Sender+">")

	if err := dl.writeMessage(f, hdr, msg); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if dl.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, filepath.Join(dir, "new", name))
}

func (dl *DeliverLocal) writeMessage(w io.Writer, hdr textproto.Header, msg *module.Message) error {
	if err := textproto.WriteHeader(w, hdr); err != nil {
		return err
	}
	body, err := msg.Body.Open()
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

func (dl *DeliverLocal) Apply(ctx context.Context, msg *module.Message) error {
	if msg.Body == nil {
		return errors.New("deliver_local: message has no body")
	}

	var failed []string
	for _, rcpt := range append([]string(nil), msg.Recipients...) {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := dl.deliver(msg, rcpt)
		if err == nil {
			deliveredRcpts.WithLabelValues("deliver_local", "delivered").Inc()
			dl.log.Msg("delivered", "msg_id", msg.Key, "rcpt", rcpt)
			msg.RemoveRcpt(rcpt)
			msg.ClearFailure(rcpt)
			continue
		}

		var smtpErr *exterrors.SMTPError
		if !errors.As(err, &smtpErr) {
			smtpErr = &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Local mailbox is unavailable",
				TargetName:   "deliver_local",
				Err:          err,
			}
		}
		if smtpErr.Temporary() {
			deliveredRcpts.WithLabelValues("deliver_local", "temporary").Inc()
		} else {
			deliveredRcpts.WithLabelValues("deliver_local", "permanent").Inc()
		}
		dl.log.Error("delivery failed", smtpErr, "msg_id", msg.Key, "rcpt", rcpt)
		msg.SetFailure(rcpt, smtpErr)
		failed = append(failed, rcpt)
	}

	if len(failed) != 0 {
		msg.State = module.StateError
		msg.ErrorMessage = fmt.Sprintf("local delivery failed for %d recipient(s): %s",
			len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func init() {
	module.Register("action.deliver_local", NewDeliverLocal)
}
