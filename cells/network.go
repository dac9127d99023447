// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/netshape"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
)

// unthrottled is the rate value that disables a throttle.
const unthrottled = -1

// Network throttles the principal's outbound traffic, plus traffic
// sourced from the URL port when one is set.
type Network struct {
	Accounts       principal.Accounts
	Shaper         *netshape.Shaper
	DefaultRateBPS int64
	Logger         *slog.Logger
}

// Kind implements cell.Cell.
func (*Network) Kind() rules.CellKind { return rules.Network }

// PortPolicyName is the name of the throttle policy for traffic
// sourced from port.
func PortPolicyName(port int) string {
	return principal.GlobalPrefix + principal.Separator + strconv.Itoa(port)
}

func (n *Network) rate(bps int64) int64 {
	if bps == 0 {
		return n.DefaultRateBPS
	}
	return bps
}

// Init implements cell.Cell.
func (n *Network) Init(ctx context.Context) error {
	if n.Shaper == nil {
		return nil
	}
	return n.Shaper.Init(ctx)
}

// Apply implements cell.Cell. Policies are removed by name before they
// are created, so a re-applied prison replaces its old ones.
func (n *Network) Apply(ctx context.Context, prison cell.Context) error {
	if n.Shaper == nil {
		orDiscard(n.Logger).Debug("no egress interface configured, network throttling skipped",
			"prison_id", prison.ID())
		return nil
	}
	spec := prison.Rules()
	username := prison.Username()

	owner, err := credential(ctx, n.Accounts, username)
	if err != nil {
		return err
	}
	if err := n.Shaper.Remove(ctx, username); err != nil {
		return err
	}
	if spec.NetworkOutboundBPS != unthrottled {
		err := n.Shaper.Create(ctx, netshape.Policy{
			Name:     username,
			RateBPS:  n.rate(spec.NetworkOutboundBPS),
			Username: username,
			UID:      int(owner.UID),
		})
		if err != nil {
			return err
		}
	}

	if spec.URLPort == 0 {
		return nil
	}
	name := PortPolicyName(spec.URLPort)
	if err := n.Shaper.Remove(ctx, name); err != nil {
		return err
	}
	if spec.AppPortOutboundBPS == unthrottled {
		return nil
	}
	return n.Shaper.Create(ctx, netshape.Policy{
		Name:    name,
		RateBPS: n.rate(spec.AppPortOutboundBPS),
		Port:    spec.URLPort,
	})
}

// Destroy implements cell.Cell.
func (n *Network) Destroy(ctx context.Context, prison cell.Context) error {
	if n.Shaper == nil {
		return nil
	}
	err := n.Shaper.Remove(ctx, prison.Username())
	if port := prison.Rules().URLPort; port != 0 {
		err = errors.Join(err, n.Shaper.Remove(ctx, PortPolicyName(port)))
	}
	return err
}

// Recover implements cell.Cell.
func (*Network) Recover(context.Context, cell.Context) error { return nil }

// List implements cell.Cell.
func (n *Network) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	if n.Shaper == nil {
		return nil, nil
	}
	policies, err := n.Shaper.List(ctx, principal.GlobalPrefix+principal.Separator)
	if err != nil {
		return nil, err
	}
	instances := make([]cell.InstanceInfo, 0, len(policies))
	for _, policy := range policies {
		instances = append(instances, cell.InstanceInfo{
			Name: policy.Name,
			Info: fmt.Sprintf("%d bps; match: %s", policy.RateBPS, policy.Match()),
		})
	}
	return instances, nil
}
