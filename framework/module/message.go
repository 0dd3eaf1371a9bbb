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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/buffer"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/google/uuid"
)

// Special values of Message.State.
const (
	// StateRoot is the entry stage for newly submitted messages.
	StateRoot = "root"

	// StateError routes the message to the error-handling stage.
	StateError = "error"

	// StateGhost means the message should be discarded.
	StateGhost = "ghost"
)

// AttrDeliveryAttempts is the attribute counting delivery attempts made
// so far. It is incremented by the retry action.
const AttrDeliveryAttempts = "delivery_attempts"

const failureAttrPrefix = "failure:"

// Message is the unit of work moved through the spool.
//
// Only fields persisted by the spool carry over between processing
// cycles, a cycle can be executed by any worker.
type Message struct {
	// Key is unique for the spool and never changes.
	Key string

	// Sender is the envelope sender. Empty string is the null
	// return-path used by bounces.
	Sender string

	// Recipients has set semantics, use AddRcpt and RemoveRcpt to keep
	// it free of duplicates.
	Recipients []string

	RemoteHost string
	RemoteAddr string

	// State is the name of the next stage or one of StateGhost,
	// StateError.
	State string

	// ErrorMessage is the description of the last failure.
	ErrorMessage string

	Created     time.Time
	LastUpdated time.Time

	// Attributes are persisted key-value pairs for use by conditions and
	// actions across cycles.
	Attributes map[string]string

	Header textproto.Header

	// Body refers to the message body, it is read only on demand.
	Body buffer.Buffer
}

// GenerateMsgID returns a new random message key.
func GenerateMsgID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Clone returns a deep copy of msg. Body refers to the same storage.
func (msg *Message) Clone() *Message {
	cpy := *msg
	cpy.Recipients = append(make([]string, 0, len(msg.Recipients)), msg.Recipients...)
	if msg.Attributes != nil {
		cpy.Attributes = make(map[string]string, len(msg.Attributes))
		for k, v := range msg.Attributes {
			cpy.Attributes[k] = v
		}
	}
	cpy.Header = msg.Header.Copy()
	return &cpy
}

func (msg *Message) HasRcpt(rcpt string) bool {
	for _, r := range msg.Recipients {
		if r == rcpt {
			return true
		}
	}
	return false
}

// AddRcpt adds rcpt unless it is already present.
func (msg *Message) AddRcpt(rcpt string) {
	if msg.HasRcpt(rcpt) {
		return
	}
	msg.Recipients = append(msg.Recipients, rcpt)
}

// RemoveRcpt removes rcpt, reporting whether it was present.
func (msg *Message) RemoveRcpt(rcpt string) bool {
	for i, r := range msg.Recipients {
		if r == rcpt {
			msg.Recipients = append(msg.Recipients[:i:i], msg.Recipients[i+1:]...)
			return true
		}
	}
	return false
}

func (msg *Message) Attr(name string) string {
	return msg.Attributes[name]
}

func (msg *Message) SetAttr(name, value string) {
	if msg.Attributes == nil {
		msg.Attributes = make(map[string]string)
	}
	msg.Attributes[name] = value
}

// Retired reports whether the message should be removed from the spool.
func (msg *Message) Retired() bool {
	return msg.State == StateGhost || len(msg.Recipients) == 0
}

// DeliveryAttempts returns the value of the AttrDeliveryAttempts
// attribute, zero if it is not set.
func (msg *Message) DeliveryAttempts() (int, error) {
	val, ok := msg.Attributes[AttrDeliveryAttempts]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("malformed %s attribute: %q", AttrDeliveryAttempts, val)
	}
	return n, nil
}

// SetFailure records the delivery failure for rcpt as an attribute so
// that later stages can bounce or retry it.
func (msg *Message) SetFailure(rcpt string, err *exterrors.SMTPError) {
	desc := strings.ReplaceAll(strings.ReplaceAll(err.Message, "\r", " "), "\n", " ")
	msg.SetAttr(failureAttrPrefix+rcpt, fmt.Sprintf("%d %v %s", err.Code, err.EnhancedCode, desc))
}

// Failure returns the failure recorded by SetFailure.
func (msg *Message) Failure(rcpt string) (*exterrors.SMTPError, bool) {
	val, ok := msg.Attributes[failureAttrPrefix+rcpt]
	if !ok {
		return nil, false
	}

	parts := strings.SplitN(val, " ", 3)
	if len(parts) < 2 {
		return nil, false
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, false
	}
	var enh exterrors.EnhancedCode
	if _, err := fmt.Sscanf(parts[1], "%d.%d.%d", &enh[0], &enh[1], &enh[2]); err != nil {
		return nil, false
	}
	res := &exterrors.SMTPError{Code: code, EnhancedCode: enh}
	if len(parts) == 3 {
		res.Message = parts[2]
	}
	return res, true
}

func (msg *Message) ClearFailure(rcpt string) {
	delete(msg.Attributes, failureAttrPrefix+rcpt)
}
