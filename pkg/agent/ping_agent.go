// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// defaultPingHopLimit is the Hop Count limit a pong carries when the
// original ping had none.
const defaultPingHopLimit = 64

// defaultPingLifetime is how long a pong bundle is allowed to live, ms.
const defaultPingLifetime = 24 * 60 * 60 * 1000

// PingAgent is a simple ApplicationAgent to "pong" / acknowledge incoming Bundles.
type PingAgent struct {
	endpoint bpv7.Eid
	receiver chan Message
	sender   chan Message
}

// NewPing creates a new PingAgent ApplicationAgent.
func NewPing(endpoint bpv7.Eid) *PingAgent {
	p := &PingAgent{
		endpoint: endpoint,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}

	go p.handler()

	return p
}

func (p *PingAgent) log() *log.Entry {
	return log.WithField("PingAgent", p.endpoint)
}

func (p *PingAgent) handler() {
	defer close(p.sender)

	for m := range p.receiver {
		switch m := m.(type) {
		case BundleMessage:
			p.ackBundle(m.Bundle)

		case ShutdownMessage:
			return

		default:
			p.log().WithField("message", m).Info("Received unsupported Message")
		}
	}
}

func (p *PingAgent) ackBundle(b *bpv7.Bundle) {
	limit := uint8(defaultPingHopLimit)
	if hc, ok := b.HopCountInfo(); ok {
		limit = hc.Limit
	}

	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	primary := bpv7.NewPrimaryBlock(bpv7.MustNotFragment, b.Primary.SourceNode, p.endpoint, ts, defaultPingLifetime)
	bndl := bpv7.NewBundle(primary, []byte("pong"))
	if _, err := bndl.PushBlock(bpv7.BlockTypeHopCount, 0, bpv7.EncodeHopCount(bpv7.HopCount{Limit: limit})); err != nil {
		p.log().WithError(err).Warn("Building ACK Bundle's hop count block errored")
	}

	p.log().WithField("bundle", bndl).Info("Sending ACK Bundle")
	p.sender <- BundleMessage{Bundle: bndl}
}

func (p *PingAgent) Endpoints() []bpv7.Eid {
	return []bpv7.Eid{p.endpoint}
}

func (p *PingAgent) MessageReceiver() chan Message {
	return p.receiver
}

func (p *PingAgent) MessageSender() chan Message {
	return p.sender
}
