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

package testutils

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// SMTPMessage is a message received by SMTPServer.
type SMTPMessage struct {
	From string
	Opts smtp.MailOptions
	To   []string
	Data []byte
}

// SMTPServer accepts everything except the configured failures. Replies
// are given as reply lines, like "550 5.1.1 No such user".
type SMTPServer struct {
	RcptReplies map[string]string
	MailReply   string
	DataReply   string

	l    net.Listener
	srv  *smtp.Server
	mu   sync.Mutex
	msgs []SMTPMessage
	sess int
}

// NewSMTPServer starts the server on a random local port. It is stopped
// when the test ends.
func NewSMTPServer(t *testing.T) *SMTPServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &SMTPServer{l: l, RcptReplies: map[string]string{}}
	s.srv = smtp.NewServer(s)
	s.srv.Domain = "localhost"

	done := make(chan struct{})
	go func() {
		// Serve fails with "use of closed network connection" on
		// shutdown.
		_ = s.srv.Serve(l)
		close(done)
	}()
	t.Cleanup(func() {
		s.srv.Close()
		<-done
	})
	return s
}

// Port returns the port the server listens on.
func (s *SMTPServer) Port() string {
	_, port, _ := net.SplitHostPort(s.l.Addr().String())
	return port
}

func (s *SMTPServer) Messages() []SMTPMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SMTPMessage(nil), s.msgs...)
}

// Connections returns the number of sessions started. A session starts
// with the first MAIL command on a connection.
func (s *SMTPServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *SMTPServer) Login(_ *smtp.ConnectionState, _, _ string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (s *SMTPServer) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess++
	return &smtpSession{srv: s}, nil
}

// replyErr converts a reply line into the error returned by the session.
func replyErr(line string) error {
	if line == "" {
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		panic("testutils: malformed reply: " + line)
	}
	smtpErr := &smtp.SMTPError{Code: code, EnhancedCode: smtp.NoEnhancedCode}

	msg := strings.Join(parts[1:], " ")
	if len(parts) > 1 {
		enh := strings.Split(parts[1], ".")
		if len(enh) == 3 {
			var ec smtp.EnhancedCode
			ok := true
			for i, v := range enh {
				ec[i], err = strconv.Atoi(v)
				ok = ok && err == nil
			}
			if ok {
				smtpErr.EnhancedCode = ec
				msg = strings.Join(parts[2:], " ")
			}
		}
	}
	smtpErr.Message = msg
	return smtpErr
}

type smtpSession struct {
	srv *SMTPServer
	msg SMTPMessage
}

func (s *smtpSession) Reset() {
	s.msg = SMTPMessage{}
}

func (s *smtpSession) Logout() error {
	return nil
}

func (s *smtpSession) Mail(from string, opts smtp.MailOptions) error {
	s.srv.mu.Lock()
	reply := s.srv.MailReply
	s.srv.mu.Unlock()
	if err := replyErr(reply); err != nil {
		return err
	}

	s.Reset()
	s.msg.From = from
	s.msg.Opts = opts
	return nil
}

func (s *smtpSession) Rcpt(to string) error {
	s.srv.mu.Lock()
	reply := s.srv.RcptReplies[to]
	s.srv.mu.Unlock()
	if err := replyErr(reply); err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := replyErr(s.srv.DataReply); err != nil {
		return err
	}
	s.msg.Data = b
	s.srv.msgs = append(s.srv.msgs, s.msg)
	return nil
}
