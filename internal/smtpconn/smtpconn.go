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

// Package smtpconn wraps the go-smtp client for outbound delivery.
//
// The wrapper adds logging of QUIT errors, conversion of returned errors
// into exterrors.SMTPError and SMTPUTF8 downgrade for servers without
// the extension.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
)

// C represents one SMTP session and cannot be reused.
type C struct {
	// Dialer is used to establish connections, net.Dialer by default.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	ConnectTimeout time.Duration

	// CommandTimeout applies to all commands except the final dot.
	CommandTimeout time.Duration

	// SubmissionTimeout applies to the final dot.
	SubmissionTimeout time.Duration

	// Hostname is sent in EHLO, in A-label form.
	Hostname string

	TLSConfig *tls.Config

	Log log.Logger

	// AddrInSMTPMsg prefixes server replies with "HOST said: ".
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

// New returns a C with reasonable defaults.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

// TLSError is returned by Connect if STARTTLS failed. The session is
// closed in this case.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	var (
		smtpErr *smtp.SMTPError
		opErr   *net.OpError
		dnsErr  *net.DNSError
	)
	switch {
	case errors.As(err, new(TLSError)):
		return err
	case errors.As(err, new(*exterrors.SMTPError)):
		return err
	case errors.As(err, &smtpErr):
		msg := smtpErr.Message
		if c.AddrInSMTPMsg {
			msg = serverName + " said: " + msg
		}
		code, enhCode := smtpErr.Code, exterrors.EnhancedCode(smtpErr.EnhancedCode)
		if code == 552 {
			// RFC 5321 Section 4.5.3.1.10
			code = 452
			enhCode[0] = 4
			c.Log.Msg("SMTP code 552 rewritten to 452", "remote_server", serverName)
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enhCode,
			Message:      msg,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case errors.As(err, &dnsErr):
		code, enhCode := 550, exterrors.EnhancedCode{5, 4, 4}
		if dns.IsTemporary(dnsErr) {
			code, enhCode = 450, exterrors.EnhancedCode{4, 4, 4}
		}
		return &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: enhCode,
			Message:      "DNS error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
		}
	case errors.As(err, &opErr):
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": opErr.Addr,
				"io_op":       opErr.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Connect establishes the connection to host:port, sends EHLO and
// STARTTLS if starttls is set and the server supports it.
func (c *C) Connect(ctx context.Context, host, port string, starttls bool) (didTLS bool, err error) {
	didTLS, cl, err := c.attemptConnect(ctx, host, port, starttls)
	if err != nil {
		return false, c.wrapClientErr(err, host)
	}

	c.serverName = host
	c.cl = cl
	return didTLS, nil
}

func (c *C) attemptConnect(ctx context.Context, host, port string, starttls bool) (bool, *smtp.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", net.JoinHostPort(host, port))
	cancel()
	if err != nil {
		return false, nil, err
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return false, nil, err
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	if !starttls {
		return false, cl, nil
	}
	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, cl, nil
	}

	cfg := c.TLSConfig.Clone()
	cfg.ServerName = host
	if err := cl.StartTLS(cfg); err != nil {
		// The connection may be in a bad state after a handshake
		// failure.
		if err := cl.Quit(); err != nil {
			cl.Close()
		}
		return false, nil, TLSError{err}
	}
	return true, cl, nil
}

// Mail sends the MAIL FROM command. If the server does not support
// SMTPUTF8, the sender address is converted to the ASCII form.
func (c *C) Mail(ctx context.Context, from string, size int) error {
	opts := smtp.MailOptions{Size: size}

	if !address.IsASCII(from) {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Misc: map[string]interface{}{
						"remote_server": c.serverName,
					},
					Err: err,
				}
			}
		}
	}

	if err := c.cl.Mail(from, &opts); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Rcpt sends the RCPT TO command. Accepted recipients are available via
// Rcpts.
func (c *C) Rcpt(ctx context.Context, to string) error {
	if ok, _ := c.cl.Extension("SMTPUTF8"); !ok && !address.IsASCII(to) {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
	}

	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	c.rcpts = append(c.rcpts, to)
	return nil
}

func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// Data sends the message. If it fails, the session should not be used
// anymore.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		wc.Close()
		return c.wrapClientErr(err, c.serverName)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.wrapClientErr(err, c.serverName)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Close sends QUIT, closing the connection directly if it fails.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		err = c.cl.Close()
		c.cl = nil
		return err
	}
	c.cl = nil
	return nil
}

// DirectClose closes the connection without sending QUIT.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Close()
	c.cl = nil
	return err
}
