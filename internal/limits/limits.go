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


// Package limits provides a module restricting the rate and concurrency
// of outbound deliveries globally, per sender domain or per destination
// domain.
//
// Domains are expected to be normalized already.
package limits

import (
	"context"
	"strconv"
	"time"

	"github.com/foxcpp/spoold/framework/config"
	"github.com/foxcpp/spoold/framework/module"
	"github.com/foxcpp/spoold/internal/limits/limiters"
)

const (
	reapInterval = time.Minute
	maxBuckets   = 20010
	takeTimeout  = 5 * time.Minute
)

type Group struct {
	instName string

	global limiters.MultiLimit
	sender *limiters.BucketSet
	dest   *limiters.BucketSet
}

func New(_, instName string, _, _ []string) (module.Module, error) {
	return &Group{
		instName: instName,
	}, nil
}

func (g *Group) Init(cfg *config.Map) error {
	var (
		globalL []limiters.L
		senderL []func() limiters.L
		destL   []func() limiters.L
	)

	for _, child := range cfg.Block.Children {
		if len(child.Args) < 2 {
			return config.NodeErr(child, "at least two arguments are required")
		}

		var (
			ctor func() limiters.L
			err  error
		)
		switch kind := child.Args[0]; kind {
		case "rate":
			ctor, err = rateCtor(child, child.Args[1:])
		case "concurrency":
			ctor, err = concurrencyCtor(child, child.Args[1:])
		default:
			return config.NodeErr(child, "unknown limit kind: %v", kind)
		}
		if err != nil {
			return err
		}

		switch scope := child.Name; scope {
		case "all":
			globalL = append(globalL, ctor())
		case "sender":
			senderL = append(senderL, ctor)
		case "destination":
			destL = append(destL, ctor)
		default:
			return config.NodeErr(child, "unknown limit scope: %v", scope)
		}
	}

	g.global = limiters.MultiLimit{Wrapped: globalL}
	g.sender = bucketSet(senderL)
	g.dest = bucketSet(destL)
	return nil
}

func bucketSet(ctors []func() limiters.L) *limiters.BucketSet {
	if len(ctors) == 0 {
		return &limiters.BucketSet{}
	}
	return limiters.NewBucketSet(func() limiters.L {
		l := make([]limiters.L, 0, len(ctors))
		for _, ctor := range ctors {
			l = append(l, ctor())
		}
		return &limiters.MultiLimit{Wrapped: l}
	}, reapInterval, maxBuckets)
}

func rateCtor(node config.Node, args []string) (func() limiters.L, error) {
	period := 1 * time.Second
	burst := 0

	switch len(args) {
	case 2:
		var err error
		period, err = time.ParseDuration(args[1])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if period <= 0 {
			return nil, config.NodeErr(node, "interval should be positive")
		}
		fallthrough
	case 1:
		var err error
		burst, err = strconv.Atoi(args[0])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if burst < 0 {
			return nil, config.NodeErr(node, "burst size should not be negative")
		}
	default:
		return nil, config.NodeErr(node, "too many arguments")
	}

	return func() limiters.L {
		return limiters.NewRate(burst, period)
	}, nil
}

func concurrencyCtor(node config.Node, args []string) (func() limiters.L, error) {
	if len(args) != 1 {
		return nil, config.NodeErr(node, "max concurrency value is needed")
	}
	max, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return func() limiters.L {
		return limiters.NewSemaphore(max)
	}, nil
}

// TakeDelivery blocks until a delivery from senderDomain to destDomain
// is allowed. ReleaseDelivery must be called with the same arguments
// after a successful call.
func (g *Group) TakeDelivery(ctx context.Context, senderDomain, destDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, takeTimeout)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}
	if err := g.sender.TakeContext(ctx, senderDomain); err != nil {
		g.global.Release()
		return err
	}
	if err := g.dest.TakeContext(ctx, destDomain); err != nil {
		g.sender.Release(senderDomain)
		g.global.Release()
		return err
	}
	return nil
}

func (g *Group) ReleaseDelivery(senderDomain, destDomain string) {
	g.dest.Release(destDomain)
	g.sender.Release(senderDomain)
	g.global.Release()
}

func (g *Group) Close() error {
	g.global.Close()
	g.sender.Close()
	g.dest.Close()
	return nil
}

func (g *Group) Name() string {
	return "limits"
}

func (g *Group) InstanceName() string {
	return g.instName
}

func init() {
	module.Register("limits", New)
}
