// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "fmt"

// NodeIds is the set of a node's own administrative identities: at most one
// ipn-scheme and one dtn-scheme EID, each reduced to its administrative
// (service 0 / empty demux) form. A node configured with identities in both
// schemes can be addressed, and can source administrative traffic, under
// whichever one a correspondent understands.
type NodeIds struct {
	Ipn *Eid
	Dtn *Eid
}

// NewNodeIds normalizes eids - typically a node's configured self
// identities - into a NodeIds, reducing each to its administrative form and
// rejecting anything that cannot name a single node per scheme.
func NewNodeIds(eids []Eid) (NodeIds, error) {
	var ids NodeIds

	for _, e := range eids {
		switch e.Kind {
		case EidIpn, EidLegacyIpn:
			admin := IpnEid(e.Allocator, e.Node, 0)
			if ids.Ipn != nil && !ids.Ipn.SameNode(admin) {
				return NodeIds{}, fmt.Errorf("multiple ipn-scheme node ids: %s and %s", ids.Ipn, admin.String())
			}
			ids.Ipn = &admin

		case EidDtn:
			if len(e.Demux) != 0 {
				return NodeIds{}, fmt.Errorf("administrative node id %s must not carry a demux", e.String())
			}
			admin := DtnEid(e.NodeName)
			if ids.Dtn != nil && !ids.Dtn.SameNode(admin) {
				return NodeIds{}, fmt.Errorf("multiple dtn-scheme node ids: %s and %s", ids.Dtn, admin.String())
			}
			ids.Dtn = &admin

		case EidNull:
			return NodeIds{}, fmt.Errorf("node id must not be the null endpoint")

		default:
			return NodeIds{}, fmt.Errorf("unsupported node id scheme: %s", e.String())
		}
	}

	if ids.Ipn == nil && ids.Dtn == nil {
		return NodeIds{}, fmt.Errorf("no node id configured")
	}

	return ids, nil
}

// AdminEndpoint picks which of this node's own identities to source
// administrative traffic - status reports, previous-node updates - bound
// for destination from, preferring whichever scheme destination itself
// uses so a correspondent only ever sees EIDs in a scheme it addressed.
func (n NodeIds) AdminEndpoint(destination Eid) Eid {
	switch destination.Kind {
	case EidIpn, EidLegacyIpn, EidLocalNode:
		if n.Ipn != nil {
			return *n.Ipn
		}
	case EidDtn:
		if n.Dtn != nil {
			return *n.Dtn
		}
	}

	if n.Dtn != nil {
		return *n.Dtn
	}
	return *n.Ipn
}

// Contains reports whether eid names one of this node's own administrative
// identities exactly (service 0 / empty demux), as opposed to a locally
// bound application service under one of them.
func (n NodeIds) Contains(eid Eid) bool {
	switch eid.Kind {
	case EidIpn, EidLegacyIpn, EidLocalNode:
		return n.Ipn != nil && n.Ipn.Allocator == eid.Allocator && n.Ipn.Node == eid.Node && eid.Service == 0
	case EidDtn:
		return n.Dtn != nil && n.Dtn.NodeName == eid.NodeName && len(eid.Demux) == 0
	default:
		return false
	}
}
