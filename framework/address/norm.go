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

package address

import (
	"fmt"
	"strings"

	"github.com/foxcpp/spoold/framework/dns"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// ForLookup converts addr into the canonical form used for table lookups
// and comparisons. If Equal(a, b) then ForLookup(a) == ForLookup(b).
//
// On error, the lower-cased addr is returned along with it.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + domain, nil
}

// Equal reports whether the addresses are equivalent ignoring case and
// IDN encoding differences. Malformed addresses are compared case
// insensitively.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}

	u1, _ := ForLookup(addr1)
	u2, _ := ForLookup(addr2)
	return u1 == u2
}

// PRECISFold is a stricter ForLookup applying the PRECIS
// UsernameCaseMapped profile to the local part. It is used for local
// mailbox names where the set of valid names is our own policy.
func PRECISFold(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}

	mbox, err = precis.UsernameCaseMapped.CompareKey(mbox)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}
	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("address: precis: %w", err)
	}
	return mbox + "@" + domain, nil
}
