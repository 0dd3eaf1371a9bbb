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

package dns

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// ForLookup converts the domain into the canonical form used for table
// lookups and comparisons: U-labels, NFC, lower case, no trailing dot.
//
// Malformed domains are lower-cased and returned along with the error.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain), err
	}

	// NFC first, strings.ToLower is not a full case folding.
	uDomain = strings.ToLower(norm.NFC.String(uDomain))
	return strings.TrimSuffix(uDomain, "."), nil
}

// Equal reports whether the domains are equivalent under IDNA2008.
func Equal(domain1, domain2 string) bool {
	if domain1 == domain2 {
		return true
	}

	u1, _ := ForLookup(domain1)
	u2, _ := ForLookup(domain2)
	return u1 == u2
}

// ToASCII returns the A-label form of domain, used on the wire.
func ToASCII(domain string) (string, error) {
	return idna.ToASCII(domain)
}

// IsDomainName reports whether s is syntactically a domain name.
func IsDomainName(s string) bool {
	_, ok := dns.IsDomainName(s)
	return ok
}

// SelectIDNA returns the U-label form of domain if ulabel is true and
// the A-label form otherwise.
func SelectIDNA(ulabel bool, domain string) (string, error) {
	if ulabel {
		return idna.ToUnicode(domain)
	}
	return idna.ToASCII(domain)
}
