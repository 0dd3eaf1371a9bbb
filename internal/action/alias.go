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
	"fmt"
	"strings"

	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	modconfig "github.com/foxcpp/spoold/framework/config/module"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

// postmasterDirectives binds the global postmaster address. If it is not
// set, postmaster at the first local domain or at the hostname is used.
func postmasterDirectives(cfg *config.Map, postmaster *string, localDomains *[]string) {
	cfg.String("postmaster", true, false, "", postmaster)
	cfg.StringList("local_domains", true, false, nil, localDomains)
}

func defaultPostmaster(cfg *config.Map, localDomains []string) string {
	if len(localDomains) != 0 {
		return "postmaster@" + localDomains[0]
	}
	if hostname, _ := cfg.Globals["hostname"].(string); hostname != "" {
		return "postmaster@" + hostname
	}
	return ""
}

// PostmasterAlias replaces postmaster addresses of local domains with
// the configured postmaster address.
type PostmasterAlias struct {
	base

	postmaster   string
	localDomains []string
}

func NewPostmasterAlias(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments expected", modName)
	}
	return &PostmasterAlias{base: base{modName, instName}}, nil
}

func (p *PostmasterAlias) Init(cfg *config.Map) error {
	postmasterDirectives(cfg, &p.postmaster, &p.localDomains)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if p.postmaster == "" {
		p.postmaster = defaultPostmaster(cfg, p.localDomains)
	}
	return nil
}

func (p *PostmasterAlias) isLocalPostmaster(rcpt string) bool {
	if !address.IsPostmaster(rcpt) {
		return false
	}
	domain := address.Domain(rcpt)
	if domain == "" {
		return true
	}
	for _, d := range p.localDomains {
		if dns.Equal(d, domain) {
			return true
		}
	}
	return false
}

func (p *PostmasterAlias) Apply(_ context.Context, msg *module.Message) error {
	if p.postmaster == "" {
		return nil
	}

	rcpts := msg.Recipients
	msg.Recipients = make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if p.isLocalPostmaster(rcpt) {
			rcpt = p.postmaster
		}
		msg.AddRcpt(rcpt)
	}
	return nil
}

// Alias replaces recipients using a table. The normalized address is
// looked up first, then the local part alone. A replacement without a
// domain keeps the original domain. Tables implementing
// module.MultiTable can expand a recipient into several.
type Alias struct {
	base
	inlineArgs []string
	log        log.Logger

	table module.Table
}

func NewAlias(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Alias{
		base:       base{modName, instName},
		inlineArgs: inlineArgs,
		log:        log.Logger{Name: modName},
	}, nil
}

func (a *Alias) Init(cfg *config.Map) error {
	cfg.Custom("table", false, len(a.inlineArgs) == 0, func() (interface{}, error) {
		if len(a.inlineArgs) == 0 {
			return nil, nil
		}
		return modconfig.ModuleFromNode[module.Table]("table", a.inlineArgs, config.Node{
			Name: "table",
			Args: a.inlineArgs,
			File: cfg.Block.File,
			Line: cfg.Block.Line,
		}, cfg.Globals)
	}, modconfig.TableDirective, &a.table)
	cfg.Bool("debug", true, false, &a.log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	return nil
}

func (a *Alias) lookup(ctx context.Context, key string) ([]string, error) {
	if multi, ok := a.table.(module.MultiTable); ok {
		return multi.LookupMulti(ctx, key)
	}
	val, ok, err := a.table.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return []string{val}, nil
}

func (a *Alias) rewrite(ctx context.Context, rcpt string) ([]string, error) {
	normAddr, err := address.ForLookup(rcpt)
	if err != nil {
		return nil, fmt.Errorf("malformed address %s: %w", rcpt, err)
	}

	repl, err := a.lookup(ctx, normAddr)
	if err != nil {
		return nil, err
	}
	if len(repl) != 0 {
		return repl, nil
	}

	mbox, domain, err := address.Split(normAddr)
	if err != nil || domain == "" {
		return []string{rcpt}, nil
	}
	repl, err = a.lookup(ctx, mbox)
	if err != nil {
		return nil, err
	}
	if len(repl) == 0 {
		return []string{rcpt}, nil
	}
	res := make([]string, 0, len(repl))
	for _, r := range repl {
		if !strings.Contains(r, "@") {
			r += "@" + domain
		}
		res = append(res, r)
	}
	return res, nil
}

func (a *Alias) Apply(ctx context.Context, msg *module.Message) error {
	rcpts := msg.Recipients
	msg.Recipients = make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		repl, err := a.rewrite(ctx, rcpt)
		if err != nil {
			return fmt.Errorf("%s: %w", a.modName, err)
		}
		for _, r := range repl {
			if _, _, err := address.Split(r); err != nil {
				return fmt.Errorf("%s: refusing to replace %s with invalid address %s", a.modName, rcpt, r)
			}
			msg.AddRcpt(r)
		}
		a.log.DebugMsg("recipient rewritten", "msg_id", msg.Key, "rcpt", rcpt, "result", repl)
	}
	return nil
}

func init() {
	module.Register("action.postmaster_alias", NewPostmasterAlias)
	module.Register("action.alias", NewAlias)
}
