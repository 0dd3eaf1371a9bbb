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

// Package address contains helpers for envelope address handling.
package address

import (
	"errors"
	"strings"
)

// Split splits an address into local part and domain.
//
// The special "postmaster" address without a domain is accepted and
// returned with an empty domain. Split does not validate the parts.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	indx := strings.LastIndexByte(addr, '@')
	if indx == -1 {
		return "", "", errors.New("address: missing at-sign")
	}
	mailbox = addr[:indx]
	domain = addr[indx+1:]
	if mailbox == "" {
		return "", "", errors.New("address: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("address: empty domain")
	}
	return
}

// Domain returns the domain part of addr or an empty string.
func Domain(addr string) string {
	_, domain, err := Split(addr)
	if err != nil {
		return ""
	}
	return domain
}

// IsPostmaster reports whether addr is the postmaster mailbox, either
// bare or at any domain.
func IsPostmaster(addr string) bool {
	mbox, _, err := Split(addr)
	if err != nil {
		return false
	}
	return strings.EqualFold(mbox, "postmaster")
}

// QuoteMbox quotes the local-part if it contains characters that are not
// allowed in a dot-atom.
func QuoteMbox(mbox string) string {
	var sb strings.Builder
	sb.Grow(len(mbox))
	quoted := false
	for _, ch := range mbox {
		if strings.ContainsRune(`()<>[]:;@\,". `, ch) {
			if ch == '\\' || ch == '"' {
				sb.WriteRune('\\')
			}
			quoted = quoted || ch != '.'
		}
		sb.WriteRune(ch)
	}
	if quoted {
		return `"` + sb.String() + `"`
	}
	return mbox
}
