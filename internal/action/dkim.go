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
	"crypto"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/spoold/framework/address"
	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/dns"
	"github.com/foxcpp/spoold/framework/exterrors"
	"github.com/foxcpp/spoold/framework/log"
	"github.com/foxcpp/spoold/framework/module"
)

const Day = 86400 * time.Second

var (
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",
	}
	signDefault = []string{
		// Not oversigned to keep signatures valid through mailing
		// lists.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}

	hashFuncs = map[string]crypto.Hash{
		"sha256": crypto.SHA256,
	}
)

// DKIMSign signs the message and prepends the DKIM-Signature field to
// the stored header. The key is selected by the envelope sender domain,
// the first domain is used for the null sender.
type DKIMSign struct {
	base
	log log.Logger

	domains        []string
	selector       string
	signers        map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration
	hash           crypto.Hash
}

func NewDKIMSign(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	m := &DKIMSign{
		base:    base{modName, instName},
		signers: map[string]crypto.Signer{},
		log:     log.Logger{Name: "dkim_sign"},
	}

	switch len(inlineArgs) {
	case 0:
		return m, nil
	case 1:
		return nil, fmt.Errorf("%s: usage: %s DOMAIN... SELECTOR", modName, modName)
	}
	m.domains = inlineArgs[:len(inlineArgs)-1]
	m.selector = inlineArgs[len(inlineArgs)-1]
	return m, nil
}

func (m *DKIMSign) Init(cfg *config.Map) error {
	var (
		hashName        string
		keyPathTemplate string
		newKeyAlgo      string
	)

	cfg.Bool("debug", true, false, &m.log.Debug)
	cfg.StringList("domains", false, false, m.domains, &m.domains)
	cfg.String("selector", false, false, m.selector, &m.selector)
	cfg.String("key_path", false, false, "dkim_keys/{domain}_{selector}.key", &keyPathTemplate)
	cfg.StringList("oversign_fields", false, false, oversignDefault, &m.oversignHeader)
	cfg.StringList("sign_fields", false, false, signDefault, &m.signHeader)
	cfg.Enum("header_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&m.headerCanon))
	cfg.Enum("body_canon", false, false,
		[]string{string(dkim.CanonicalizationRelaxed), string(dkim.CanonicalizationSimple)},
		string(dkim.CanonicalizationRelaxed), (*string)(&m.bodyCanon))
	cfg.Duration("sig_expiry", false, false, 5*Day, &m.sigExpiry)
	cfg.Enum("hash", false, false, []string{"sha256"}, "sha256", &hashName)
	cfg.Enum("newkey_algo", false, false,
		[]string{"rsa4096", "rsa2048", "ed25519"}, "rsa2048", &newKeyAlgo)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(m.domains) == 0 {
		return errors.New("dkim_sign: at least one domain is needed")
	}
	if m.selector == "" {
		return errors.New("dkim_sign: selector is not specified")
	}
	m.hash = hashFuncs[hashName]

	for _, domain := range m.domains {
		if _, err := dns.ToASCII(domain); err != nil {
			m.log.Printf("warning: unable to convert domain %s to A-labels form: %v", domain, err)
		}

		keyPath := strings.NewReplacer("{domain}", domain, "{selector}", m.selector).Replace(keyPathTemplate)
		if !filepath.IsAbs(keyPath) && config.StateDirectory != "" {
			keyPath = filepath.Join(config.StateDirectory, keyPath)
		}

		signer, newKey, err := m.loadOrGenerateKey(keyPath, newKeyAlgo)
		if err != nil {
			return err
		}
		if newKey {
			m.log.Printf("generated a new %s keypair, private key is in %s, TXT record with public key is in %s,\n"+
				"put its contents into TXT record for %s._domainkey.%s to make signing and verification work",
				newKeyAlgo, keyPath, dnsRecordPath(keyPath), m.selector, domain)
		}

		normDomain, err := dns.ForLookup(domain)
		if err != nil {
			return fmt.Errorf("dkim_sign: unable to normalize domain %s: %w", domain, err)
		}
		m.signers[normDomain] = signer
	}
	return nil
}

func (m *DKIMSign) fieldsToSign(h *textproto.Header) []string {
	// Duplicated fields in the configuration cause a panic in
	// go-msgauth.
	seen := make(map[string]struct{})

	res := make([]string, 0, len(m.oversignHeader)+len(m.signHeader))
	for _, key := range m.oversignHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// Once more to oversign it.
		res = append(res, key)
	}
	for _, key := range m.signHeader {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

func (m *DKIMSign) signerFor(sender string) (domain string, signer crypto.Signer) {
	domain = address.Domain(sender)
	if domain == "" {
		domain = m.domains[0]
	}
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		m.log.Error("unable to normalize sender domain", err, "domain", domain)
		return "", nil
	}
	return domain, m.signers[normDomain]
}

func (m *DKIMSign) Apply(_ context.Context, msg *module.Message) error {
	domain, keySigner := m.signerFor(msg.Sender)
	if keySigner == nil {
		m.log.Msg("no key for domain", "msg_id", msg.Key, "domain", domain)
		return nil
	}
	if msg.Body == nil {
		return errors.New("dkim_sign: message has no body")
	}

	selector := m.selector
	// The signature goes into an RFC 5322 header, U-labels are not
	// allowed there.
	var err error
	domain, err = dns.ToASCII(domain)
	if err != nil {
		m.log.Error("cannot convert domain to A-labels", err, "msg_id", msg.Key)
		return nil
	}
	selector, err = dns.ToASCII(selector)
	if err != nil {
		m.log.Error("cannot convert selector to A-labels", err, "msg_id", msg.Key)
		return nil
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 keySigner,
		Hash:                   m.hash,
		HeaderCanonicalization: m.headerCanon,
		BodyCanonicalization:   m.bodyCanon,
		HeaderKeys:             m.fieldsToSign(&msg.Header),
	}
	if m.sigExpiry != 0 {
		opts.Expiration = time.Now().Add(m.sigExpiry)
	}

	wrapErr := func(err error) error {
		return exterrors.WithFields(err, map[string]interface{}{"action": "dkim_sign"})
	}

	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return wrapErr(err)
	}
	if err := textproto.WriteHeader(signer, msg.Header); err != nil {
		signer.Close()
		return wrapErr(err)
	}
	r, err := msg.Body.Open()
	if err != nil {
		signer.Close()
		return wrapErr(err)
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return wrapErr(err)
	}
	if err := signer.Close(); err != nil {
		return wrapErr(err)
	}

	msg.Header.AddRaw([]byte(signer.Signature()))
	m.log.DebugMsg("signed", "msg_id", msg.Key, "domain", domain)
	return nil
}

func init() {
	module.Register("action.dkim_sign", NewDKIMSign)
}
