// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"strconv"
	"sync"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Registry is the node-wide application-service registry, §4.8: every
// locally bound service is a MuxAgent child, reached by the dispatcher
// through Deliver/NotifyStatus without either package importing the other
// (Registry satisfies pkg/dispatch's LocalDelivery interface structurally).
type Registry struct {
	mux *MuxAgent

	mu       sync.Mutex
	allocBox bpv7.Eid
	nextSvc  uint32
}

// NewRegistry builds a Registry for a node addressed by self; self is used
// as the allocation base for Allocate when an agent registers without
// bringing its own endpoint.
func NewRegistry(self bpv7.Eid) *Registry {
	return &Registry{mux: NewMuxAgent(), allocBox: self, nextSvc: 1}
}

// Register adds agent to the registry.
func (r *Registry) Register(agent ApplicationAgent) { r.mux.Register(agent) }

// Endpoints returns every endpoint currently bound by a registered agent.
func (r *Registry) Endpoints() []bpv7.Eid { return r.mux.Endpoints() }

// MessageSender is the channel every locally built outbound bundle (and
// other outgoing Message) surfaces on, for the node's bootstrap code to
// drain into the dispatcher.
func (r *Registry) MessageSender() chan Message { return r.mux.MessageSender() }

// Allocate returns a fresh service endpoint on this node, for an agent (e.g.
// a freshly connected WebSocket client) that didn't request a specific one,
// §4.8 "a service with no static endpoint is assigned the next free service
// number": the next service number under the allocator box when that is an
// ipn EID, otherwise a dtn EID on the same node with demux "auto/<n>".
func (r *Registry) Allocate() bpv7.Eid {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc := r.nextSvc
	r.nextSvc++
	switch r.allocBox.Kind {
	case bpv7.EidIpn, bpv7.EidLegacyIpn, bpv7.EidLocalNode:
		return bpv7.IpnEid(r.allocBox.Allocator, r.allocBox.Node, svc)
	default:
		return bpv7.DtnEid(r.allocBox.NodeName, "auto", strconv.Itoa(int(svc)))
	}
}

// Deliver implements dispatch.LocalDelivery: it hands bndl to every
// registered agent whose endpoints match dest, reporting whether at least
// one accepted it.
func (r *Registry) Deliver(dest bpv7.Eid, bndl *bpv7.Bundle) bool {
	return r.mux.Deliver(BundleMessage{Bundle: bndl})
}

// NotifyStatus implements dispatch.LocalDelivery: the referenced bundle's
// own source node is assumed to be the registered agent that originated it,
// so the status is routed there the same way an incoming bundle would be.
func (r *Registry) NotifyStatus(ref bpv7.BundleID, reason bpv7.StatusReportReason, positions []bpv7.StatusInformationPos) {
	r.mux.Deliver(StatusNotifyMessage{
		Recipient: ref.SourceNode,
		RefBundle: ref,
		Reason:    reason,
		Positions: positions,
	})
}

