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

	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/module"
)

// RecipientIs matches recipients equal to one of the configured
// addresses.
type RecipientIs struct {
	base
	inlineArgs []string

	addrs []string
}

func NewRecipientIs(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &RecipientIs{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (r *RecipientIs) Init(cfg *config.Map) error {
	cfg.StringList("addresses", false, false, r.inlineArgs, &r.addrs)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(r.addrs) == 0 {
		return fmt.Errorf("%s: at least one address is required", r.modName)
	}
	return nil
}

func (r *RecipientIs) Match(_ context.Context, msg *module.Message) ([]string, error) {
	var res []string
	for _, rcpt := range msg.Recipients {
		for _, addr := range r.addrs {
			if address.Equal(rcpt, addr) {
				res = append(res, rcpt)
				break
			}
		}
	}
	return res, nil
}

// RecipientIn matches recipients present in a table. The normalized
// address is looked up first, then its domain.
type RecipientIn struct {
	base
	inlineArgs []string

	table module.Table
}

func NewRecipientIn(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &RecipientIn{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (r *RecipientIn) Init(cfg *config.Map) error {
	tableArg(cfg, r.inlineArgs, &r.table)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if r.table == nil {
		return fmt.Errorf("%s: table is required", r.modName)
	}
	return nil
}

func (r *RecipientIn) Match(ctx context.Context, msg *module.Message) ([]string, error) {
	var res []string
	for _, rcpt := range msg.Recipients {
		ok, err := r.lookup(ctx, rcpt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.modName, err)
		}
		if ok {
			res = append(res, rcpt)
		}
	}
	return res, nil
}

func (r *RecipientIn) lookup(ctx context.Context, rcpt string) (bool, error) {
	key, err := address.ForLookup(rcpt)
	if err != nil {
		// Malformed addresses are still looked up as is.
		key = rcpt
	}
	_, ok, err := r.table.Lookup(ctx, key)
	if err != nil || ok {
		return ok, err
	}

	domain := address.Domain(key)
	if domain == "" {
		return false, nil
	}
	_, ok, err = r.table.Lookup(ctx, domain)
	return ok, err
}

// HostIs matches recipients at one of the configured domains.
type HostIs struct {
	base
	inlineArgs []string

	domains []string
}

func NewHostIs(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &HostIs{base: base{modName, instName}, inlineArgs: inlineArgs}, nil
}

func (h *HostIs) Init(cfg *config.Map) error {
	cfg.StringList("domains", false, false, h.inlineArgs, &h.domains)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(h.domains) == 0 {
		return fmt.Errorf("%s: at least one domain is required", h.modName)
	}
	return nil
}

func (h *HostIs) Match(_ context.Context, msg *module.Message) ([]string, error) {
	var res []string
	for _, rcpt := range msg.Recipients {
		domain := address.Domain(rcpt)
		if domain == "" {
			continue
		}
		for _, d := range h.domains {
			if dns.Equal(domain, d) {
				res = append(res, rcpt)
				break
			}
		}
	}
	return res, nil
}

// HostLocality implements host_is_local and host_is_remote.
//
// Local domains come from the global local_domains directive or from
// a table. The bare postmaster address is always local.
type HostLocality struct {
	base
	inlineArgs []string
	remote     bool

	domains []string
	table   module.Table
}

func NewHostLocality(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &HostLocality{
		base:       base{modName, instName},
		inlineArgs: inlineArgs,
		remote:     modName == "condition.host_is_remote",
	}, nil
}

func (h *HostLocality) Init(cfg *config.Map) error {
	cfg.StringList("local_domains", true, false, nil, &h.domains)
	tableArg(cfg, h.inlineArgs, &h.table)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(h.domains) == 0 && h.table == nil {
		return fmt.Errorf("%s: local_domains are not configured", h.modName)
	}
	return nil
}

func (h *HostLocality) isLocal(ctx context.Context, rcpt string) (bool, error) {
	domain := address.Domain(rcpt)
	if domain == "" {
		return address.IsPostmaster(rcpt), nil
	}

	if h.table != nil {
		key, err := dns.ForLookup(domain)
		if err != nil {
			return false, nil
		}
		_, ok, err := h.table.Lookup(ctx, key)
		return ok, err
	}

	for _, d := range h.domains {
		if dns.Equal(domain, d) {
			return true, nil
		}
	}
	return false, nil
}

func (h *HostLocality) Match(ctx context.Context, msg *module.Message) ([]string, error) {
	var res []string
	for _, rcpt := range msg.Recipients {
		local, err := h.isLocal(ctx, rcpt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.modName, err)
		}
		if local != h.remote {
			res = append(res, rcpt)
		}
	}
	return res, nil
}

func init() {
	module.Register("condition.recipient_is", NewRecipientIs)
	module.Register("condition.recipient_in", NewRecipientIn)
	module.Register("condition.host_is", NewHostIs)
	module.Register("condition.host_is_local", NewHostLocality)
	module.Register("condition.host_is_remote", NewHostLocality)
}
