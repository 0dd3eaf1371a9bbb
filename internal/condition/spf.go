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
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

var spfResults = []spf.Result{
	spf.Pass, spf.Fail, spf.SoftFail, spf.Neutral, spf.None, spf.TempError, spf.PermError,
}

// SenderSPF matches if the SPF policy of the sender domain evaluated
// for the client address of the message yields one of the configured
// results.
//
// Null senders are checked using the HELO name, as RFC 7208 requires.
type SenderSPF struct {
	base
	inlineArgs []string
	resolver   dns.Resolver
	log        log.Logger

	results []spf.Result
}

func NewSenderSPF(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &SenderSPF{
		base:       base{modName, instName},
		inlineArgs: inlineArgs,
		resolver:   dns.DefaultResolver(""),
		log:        log.Logger{Name: modName},
	}, nil
}

func (s *SenderSPF) Init(cfg *config.Map) error {
	var (
		results   []string
		dnsServer string
	)
	cfg.StringList("results", false, false, s.inlineArgs, &results)
	cfg.String("dns_server", true, false, "", &dnsServer)
	cfg.Bool("debug", true, false, &s.log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("%s: at least one result is required", s.modName)
	}
	if dnsServer != "" {
		s.resolver = dns.DefaultResolver(dnsServer)
	}

	s.results = s.results[:0]
results:
	for _, res := range results {
		for _, known := range spfResults {
			if res == string(known) {
				s.results = append(s.results, known)
				continue results
			}
		}
		return fmt.Errorf("%s: unknown SPF result: %s", s.modName, res)
	}
	return nil
}

func remoteIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}

func (s *SenderSPF) check(ctx context.Context, msg *module.Message) spf.Result {
	ip := remoteIP(msg.RemoteAddr)
	if ip == nil {
		s.log.DebugMsg("no client address, skipping check", "msg_id", msg.Key)
		return spf.None
	}

	sender := msg.Sender
	if sender == "" || address.Domain(sender) == "" {
		if msg.RemoteHost == "" {
			return spf.None
		}
		sender = "postmaster@" + msg.RemoteHost
	}

	res, err := spf.CheckHostWithSender(ip, dns.FQDN(msg.RemoteHost), sender,
		spf.WithContext(ctx), spf.WithResolver(s.resolver))
	s.log.DebugMsg("spf result", "msg_id", msg.Key, "result", string(res), "reason", err)
	return res
}

func (s *SenderSPF) Match(ctx context.Context, msg *module.Message) ([]string, error) {
	res := s.check(ctx, msg)
	for _, want := range s.results {
		if res == want {
			return allRcpts(msg), nil
		}
	}
	return nil, nil
}

func init() {
	module.Register("condition.sender_spf", NewSenderSPF)
}
