// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cla implements the convergence-layer adapter registry and its
// per-peer, per-queue egress worker loops, §4.7. A Cla is any transport
// capable of delivering bundle bytes to a neighbour; the Registry owns the
// bookkeeping a CLA implementation shouldn't have to: naming, peer
// appearance/disappearance, and the backpressure-bounded drain of
// ForwardPending rows out of the store.
//
// cla must not import the dispatcher (which imports both cla and store), so
// the dispatcher supplies itself to the Registry as a Sink instead.
package cla

import (
	"context"
	"fmt"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// ForwardResult is a Cla's outcome for one forwarding attempt, §4.7's
// "{Sent, NoNeighbour} | Error".
type ForwardResult int

const (
	Sent ForwardResult = iota
	NoNeighbour
)

func (r ForwardResult) String() string {
	if r == Sent {
		return "Sent"
	}
	return "NoNeighbour"
}

// Peer describes a neighbour a Cla has discovered, §4.7 "Peer". QueueCount
// partitions that peer's outbound traffic into independently-ordered lanes;
// most CLAs have exactly one.
type Peer struct {
	Addr       string
	NodeIds    []bpv7.Eid
	QueueCount int
}

// Cla is the capability set a convergence-layer adapter exposes to the
// registry, §4.7 "Cla capability set".
type Cla interface {
	// Name identifies this Cla uniquely within a Registry, e.g. "quicla".
	Name() string

	// OnRegister is called once, synchronously, when this Cla joins a
	// Registry. The Cla must retain sink and use it to report peer
	// appearance/disappearance and received bundle bytes for as long as it
	// remains registered.
	OnRegister(sink Sink) error

	// OnUnregister tells the Cla to stop all activity; the Registry has
	// already cancelled every worker watching this Cla's peers.
	OnUnregister()

	// Forward delivers data to addr on the given queue. queue is one of the
	// Peer's QueueCount lanes, named "0", "1", ... by the Registry.
	Forward(ctx context.Context, queue, addr string, data []byte) (ForwardResult, error)
}

// Sink is how a Cla reports events upward. The Registry implements Sink
// itself and interposes on every call: it manages worker lifecycles before
// forwarding the event to the dispatcher's own Sink.
type Sink interface {
	OnReceive(claName string, data []byte)
	OnPeerAppeared(claName string, peer Peer)
	OnPeerDisappeared(claName, addr string)

	// OnForwarded is called after a successful CLA forward, §4.6
	// forward_bundle step 2: the dispatcher emits a forward-report (if
	// requested) and increments the bundle's hop count.
	OnForwarded(id bpv7.BundleID, claName string)
}

// Dialer is an optional capability a Cla may implement on top of the base
// interface: client-initiated connection to a freshly-discovered address, as
// opposed to Forward which only ever addresses a peer that has already
// appeared. quicla's dialer role implements this; a purely passive-listener
// Cla need not.
type Dialer interface {
	Dial(ctx context.Context, addr string) error
}

// ErrAlreadyExists is returned by Registry.Register when claName collides
// with an already-registered Cla, §4.7 registration lifecycle.
var ErrAlreadyExists = fmt.Errorf("cla: name already registered")

// ErrUnknownCla is returned by Registry.Unregister for a name with no
// matching registration.
var ErrUnknownCla = fmt.Errorf("cla: no such registered name")
