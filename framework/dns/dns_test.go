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
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
)

func TestForLookup(t *testing.T) {
	for in, want := range map[string]string{
		"Example.ORG.":         "example.org",
		"xn--e1afmkfd.xn--p1ai": "пример.рф",
		"ПРИМЕР.рф":            "пример.рф",
	} {
		got, err := ForLookup(in)
		if err != nil {
			t.Errorf("%s: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%s: want %s, got %s", in, want, got)
		}
	}

	if !Equal("EXAMPLE.org", "example.org.") {
		t.Error("Equal failed for case and trailing dot")
	}
	if FQDN("example.org") != "example.org." {
		t.Error("FQDN did not add the dot")
	}
}

func TestMockResolver(t *testing.T) {
	var r Resolver = &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.org.": {
				MX: []net.MX{{Host: "mx.example.org.", Pref: 10}},
			},
		},
	}

	mxs, err := r.LookupMX(context.Background(), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(mxs) != 1 || mxs[0].Host != "mx.example.org." {
		t.Fatalf("wrong MX: %+v", mxs)
	}

	_, err = r.LookupMX(context.Background(), "nx.example.org")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
