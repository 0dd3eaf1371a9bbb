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

// Package dns contains the resolver interface used for MX and TXT lookups
// and domain name normalization helpers.
package dns

import (
	"context"
	"net"
	"time"
)

// Resolver describes the subset of net.Resolver methods used by spoold.
// It is satisfied by *net.Resolver and by go-mockdns in tests.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver returns the system resolver, or a resolver using the
// specified server if server is not empty. server is in IP:PORT form.
func DefaultResolver(server string) Resolver {
	if server == "" || server == "system-default" {
		return net.DefaultResolver
	}

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: 5 * time.Second}
			switch network {
			case "udp", "udp4", "udp6":
				return dialer.DialContext(ctx, "udp", server)
			default:
				return dialer.DialContext(ctx, "tcp", server)
			}
		},
	}
}

// IsNotFound reports whether err is an NXDOMAIN-like error.
func IsNotFound(err error) bool {
	dnsErr, ok := err.(*net.DNSError)
	return ok && dnsErr.IsNotFound
}

// IsTemporary reports whether the lookup error is expected to go away on
// retry. Errors of unknown types are considered temporary.
func IsTemporary(err error) bool {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return true
	}
	return dnsErr.IsTemporary || dnsErr.IsTimeout
}
