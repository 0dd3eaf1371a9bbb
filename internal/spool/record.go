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

package spool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/spoold/framework/buffer"
	"github.com/foxcpp/spoold/framework/module"
)

var errMalformed = errors.New("spool: malformed record")

// record is the persisted form of module.Message. The body is stored
// separately in the blob store under the same key.
type record struct {
	Key          string            `json:"key"`
	Sender       string            `json:"sender"`
	Recipients   []string          `json:"recipients"`
	RemoteHost   string            `json:"remote_host,omitempty"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
	State        string            `json:"state"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Created      time.Time         `json:"created"`
	LastUpdated  time.Time         `json:"last_updated"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Header       string            `json:"header"`
	BodySize     int               `json:"body_size"`
}

func encodeRecord(msg *module.Message) ([]byte, error) {
	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, msg.Header); err != nil {
		return nil, fmt.Errorf("spool: serialize header: %w", err)
	}

	rec := record{
		Key:          msg.Key,
		Sender:       msg.Sender,
		Recipients:   msg.Recipients,
		RemoteHost:   msg.RemoteHost,
		RemoteAddr:   msg.RemoteAddr,
		State:        msg.State,
		ErrorMessage: msg.ErrorMessage,
		Created:      msg.Created,
		LastUpdated:  msg.LastUpdated,
		Attributes:   msg.Attributes,
		Header:       hdr.String(),
		BodySize:     -1,
	}
	if msg.Body != nil {
		rec.BodySize = msg.Body.Len()
	}
	if rec.Recipients == nil {
		rec.Recipients = []string{}
	}

	return json.Marshal(rec)
}

// decodeRecord restores the message. Body refers to blobs if it is not
// nil.
func decodeRecord(data []byte, blobs module.BlobStore, bodyTimeout time.Duration) (*module.Message, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader([]byte(rec.Header))))
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", errMalformed, err)
	}

	msg := &module.Message{
		Key:          rec.Key,
		Sender:       rec.Sender,
		Recipients:   rec.Recipients,
		RemoteHost:   rec.RemoteHost,
		RemoteAddr:   rec.RemoteAddr,
		State:        rec.State,
		ErrorMessage: rec.ErrorMessage,
		Created:      rec.Created,
		LastUpdated:  rec.LastUpdated,
		Attributes:   rec.Attributes,
		Header:       hdr,
	}
	if blobs != nil {
		msg.Body = buffer.BlobBuffer{
			Store:   blobs,
			Key:     rec.Key,
			Size:    rec.BodySize,
			Timeout: bodyTimeout,
		}
	}
	return msg, nil
}
