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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/limits"
	"github.com/foxcpp/spoold/internal/smtpconn"
	"golang.org/x/sync/errgroup"
)

const smtpPort = "25"

// DeliverRemote delivers the message to the MX servers of the recipient
// domains.
//
// Delivered recipients are removed. Failed recipients are kept with the
// failure recorded by Message.SetFailure and the message is moved to the
// error stage.
type DeliverRemote struct {
	base
	log log.Logger

	hostname          string
	port              string
	starttls          bool
	tlsConfig         *tls.Config
	resolver          dns.Resolver
	dialer            func(ctx context.Context, network, addr string) (net.Conn, error)
	maxParallel       int
	limits            *limits.Group
	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration
}

func NewDeliverRemote(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &DeliverRemote{
		base:   base{modName, instName},
		log:    log.Logger{Name: "deliver_remote"},
		dialer: (&net.Dialer{}).DialContext,
	}, nil
}

func (rd *DeliverRemote) Init(cfg *config.Map) error {
	var (
		dnsServer string
		port      int
		tlsVerify bool
	)
	cfg.Bool("debug", true, false, &rd.log.Debug)
	cfg.String("hostname", true, true, "", &rd.hostname)
	cfg.String("dns_server", true, false, "", &dnsServer)
	cfg.Int("port", false, false, 25, &port)
	cfg.Bool("starttls", false, true, &rd.starttls)
	cfg.Bool("tls_verify", false, true, &tlsVerify)
	cfg.Int("max_parallel", false, false, 16, &rd.maxParallel)
	cfg.Duration("connect_timeout", false, false, 5*time.Minute, &rd.connectTimeout)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &rd.commandTimeout)
	cfg.Duration("submission_timeout", false, false, 12*time.Minute, &rd.submissionTimeout)
	cfg.Custom("limits", false, false, nil, limitsDirective, &rd.limits)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s: invalid port: %d", rd.modName, port)
	}
	rd.port = strconv.Itoa(port)
	if rd.maxParallel <= 0 {
		return fmt.Errorf("%s: max_parallel should be positive", rd.modName)
	}

	var err error
	rd.hostname, err = dns.ToASCII(rd.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", rd.modName, err)
	}

	rd.resolver = dns.DefaultResolver(dnsServer)
	rd.tlsConfig = &tls.Config{InsecureSkipVerify: !tlsVerify}
	return nil
}

// limitsDirective accepts either an inline block or a reference to a
// top-level limits block.
func limitsDirective(m *config.Map, node config.Node) (interface{}, error) {
	args := node.Args
	if len(args) == 0 {
		args = []string{"limits"}
	}
	return modconfig.ModuleFromNode[*limits.Group]("", args, node, m.Globals)
}

// rcptResults collects per-recipient errors, nil for delivered ones.
type rcptResults struct {
	mu  sync.Mutex
	res map[string]error
}

func (r *rcptResults) set(rcpts []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rcpt := range rcpts {
		r.res[rcpt] = err
	}
}

func (rd *DeliverRemote) Apply(ctx context.Context, msg *module.Message) error {
	if msg.Body == nil {
		return errors.New("deliver_remote: message has no body")
	}

	results := rcptResults{res: make(map[string]error, len(msg.Recipients))}

	byDomain := make(map[string][]string)
	var domains []string
	for _, rcpt := range msg.Recipients {
		domain := address.Domain(rcpt)
		if domain == "" {
			results.set([]string{rcpt}, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
				Message:      "Recipient address has no domain",
			})
			continue
		}
		normDomain, err := dns.ForLookup(domain)
		if err != nil {
			results.set([]string{rcpt}, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
				Message:      "Malformed recipient domain",
				Err:          err,
			})
			continue
		}
		if _, ok := byDomain[normDomain]; !ok {
			domains = append(domains, normDomain)
		}
		byDomain[normDomain] = append(byDomain[normDomain], rcpt)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(rd.maxParallel)
	for _, domain := range domains {
		domain := domain
		eg.Go(func() error {
			rd.deliverDomain(egCtx, msg, domain, byDomain[domain], &results)
			return nil
		})
	}
	// Per-domain failures go to results, the group itself never fails.
	eg.Wait()

	rd.applyResults(msg, results.res)
	return nil
}

func (rd *DeliverRemote) applyResults(msg *module.Message, results map[string]error) {
	var failed []string
	for _, rcpt := range append([]string(nil), msg.Recipients...) {
		err, ok := results[rcpt]
		if !ok {
			continue
		}
		if err == nil {
			deliveredRcpts.WithLabelValues("deliver_remote", "delivered").Inc()
			msg.RemoveRcpt(rcpt)
			msg.ClearFailure(rcpt)
			continue
		}

		smtpErr := toSMTPError(err)
		if smtpErr.Temporary() {
			deliveredRcpts.WithLabelValues("deliver_remote", "temporary").Inc()
		} else {
			deliveredRcpts.WithLabelValues("deliver_remote", "permanent").Inc()
		}
		rd.log.Error("delivery failed", err, "msg_id", msg.Key, "rcpt", rcpt)
		msg.SetFailure(rcpt, smtpErr)
		failed = append(failed, rcpt)
	}

	if len(failed) == 0 {
		return
	}
	msg.State = module.StateError
	msg.ErrorMessage = fmt.Sprintf("delivery failed for %d recipient(s): %s",
		len(failed), strings.Join(failed, ", "))
}

func (rd *DeliverRemote) deliverDomain(ctx context.Context, msg *module.Message, domain string, rcpts []string, results *rcptResults) {
	if rd.limits != nil {
		senderDomain, _ := dns.ForLookup(address.Domain(msg.Sender))
		if err := rd.limits.TakeDelivery(ctx, senderDomain, domain); err != nil {
			results.set(rcpts, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
				Message:      "Outbound delivery limit exceeded, try again later",
				TargetName:   "deliver_remote",
				Err:          err,
			})
			return
		}
		defer rd.limits.ReleaseDelivery(senderDomain, domain)
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		results.set(rcpts, err)
		return
	}
	defer conn.Close()

	size := msg.Body.Len()
	if size < 0 {
		size = 0
	}
	if err := conn.Mail(ctx, msg.Sender, size); err != nil {
		results.set(rcpts, err)
		return
	}

	var accepted []string
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			results.set([]string{rcpt}, err)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return
	}

	body, err := msg.Body.Open()
	if err != nil {
		results.set(accepted, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Internal error while reading the message body",
			Err:          err,
		})
		return
	}
	defer body.Close()

	if err := conn.Data(ctx, msg.Header, body); err != nil {
		results.set(accepted, err)
		return
	}

	rd.log.Msg("delivered", "msg_id", msg.Key, "domain", domain,
		"remote_server", conn.ServerName(), "rcpts", accepted)
	results.set(accepted, nil)
}

func (rd *DeliverRemote) newConn() *smtpconn.C {
	conn := smtpconn.New()
	conn.Dialer = rd.dialer
	conn.Log = rd.log
	conn.Hostname = rd.hostname
	conn.AddrInSMTPMsg = true
	conn.TLSConfig = rd.tlsConfig
	conn.ConnectTimeout = rd.connectTimeout
	conn.CommandTimeout = rd.commandTimeout
	conn.SubmissionTimeout = rd.submissionTimeout
	return conn
}

// connect tries STARTTLS first and falls back to plaintext if the
// handshake fails.
func (rd *DeliverRemote) connect(ctx context.Context, host string) (*smtpconn.C, error) {
	conn := rd.newConn()
	rd.log.DebugMsg("trying", "remote_server", host)

	didTLS, err := conn.Connect(ctx, host, rd.port, rd.starttls)
	if err != nil {
		if !errors.As(err, new(smtpconn.TLSError)) {
			return nil, err
		}
		rd.log.Error("TLS error, trying plaintext", err, "remote_server", host)

		conn = rd.newConn()
		didTLS, err = conn.Connect(ctx, host, rd.port, false)
		if err != nil {
			return nil, err
		}
	}

	tlsConns.WithLabelValues(strconv.FormatBool(didTLS)).Inc()
	return conn, nil
}

func (rd *DeliverRemote) connectionForDomain(ctx context.Context, domain string) (*smtpconn.C, error) {
	records, err := rd.lookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, record := range records {
		if record.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
			}
		}

		conn, err := rd.connect(ctx, strings.TrimSuffix(record.Host, "."))
		if err != nil {
			rd.log.Error("cannot use MX", err, "remote_server", record.Host, "domain", domain)
			lastErr = err
			continue
		}
		return conn, nil
	}

	return nil, &exterrors.SMTPError{
		Code:         exterrors.SMTPCode(lastErr, 451, 550),
		EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{0, 4, 0}),
		Message:      "No usable MXs, last err: " + exterrors.Describe(lastErr),
		TargetName:   "deliver_remote",
		Err:          lastErr,
		Misc: map[string]interface{}{
			"domain": domain,
		},
	}
}

func (rd *DeliverRemote) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	aDomain, err := dns.ToASCII(domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Malformed recipient domain",
			Err:          err,
		}
	}

	records, err := rd.resolver.LookupMX(ctx, dns.FQDN(aDomain))
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
				Message:      "Recipient domain does not exist",
				TargetName:   "deliver_remote",
				Err:          err,
			}
		}
		tempErr := exterrors.WithTemporary(err, dns.IsTemporary(err))
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(tempErr, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(tempErr, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "MX lookup error",
			TargetName:   "deliver_remote",
			Err:          err,
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Implicit MX, RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{Host: aDomain})
	}
	return records, nil
}

func toSMTPError(err error) *exterrors.SMTPError {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}
	return &exterrors.SMTPError{
		Code:         exterrors.SMTPCode(err, 451, 554),
		EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 0, 0}),
		Message:      exterrors.Describe(err),
		Err:          err,
	}
}

func init() {
	module.Register("action.deliver_remote", NewDeliverRemote)
}
