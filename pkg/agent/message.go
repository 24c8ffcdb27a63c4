// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Message is a generic interface to specify an information exchange between an ApplicationAgent and some Manager.
// The following types named *Message are implementations of this interface.
type Message interface {
	// Recipients returns a list of endpoints to which this message is addressed.
	// However, if this message is not addressed to some specific endpoint, nil must be returned.
	Recipients() []bpv7.Eid
}

// BundleMessage indicates a transmitted Bundle.
// If the Message is received from an ApplicationAgent, it is an outgoing Bundle to be originated.
// If the Message is sent to an ApplicationAgent, it is an incoming Bundle delivered to it.
type BundleMessage struct {
	Bundle *bpv7.Bundle
}

// Recipients are the Bundle destination: it addresses an outgoing
// BundleMessage, and for a delivered, incoming one MuxAgent uses it to choose
// which children receive the message.
func (bm BundleMessage) Recipients() []bpv7.Eid {
	return []bpv7.Eid{bm.Bundle.Primary.Destination}
}

// StatusNotifyMessage relays an incoming status report to the agent that
// registered the endpoint the report's referenced bundle was sourced from,
// §4.8's on_status_notify.
type StatusNotifyMessage struct {
	Recipient bpv7.Eid
	RefBundle bpv7.BundleID
	Reason    bpv7.StatusReportReason
	Positions []bpv7.StatusInformationPos
}

// Recipients is the agent this status report is addressed to.
func (snm StatusNotifyMessage) Recipients() []bpv7.Eid {
	return []bpv7.Eid{snm.Recipient}
}

// SyscallRequestMessage is sent from an ApplicationAgent to request some "syscall" specific information.
type SyscallRequestMessage struct {
	Sender  bpv7.Eid
	Request string
}

// Recipients is the requesting agent's own endpoint, the Sender.
func (srm SyscallRequestMessage) Recipients() []bpv7.Eid {
	return []bpv7.Eid{srm.Sender}
}

// SyscallResponseMessage is the answer to a SyscallRequestMessage, sent to an ApplicationAgent.
// The Response is stored as a generic byte array. However, its content is defined for each syscall.
type SyscallResponseMessage struct {
	Request   string
	Response  []byte
	Recipient bpv7.Eid
}

// Recipients are the sender of the SyscallRequestMessage.
func (srm SyscallResponseMessage) Recipients() []bpv7.Eid {
	return []bpv7.Eid{srm.Recipient}
}

// ShutdownMessage indicates the closing down of an ApplicationAgent.
// If the Message is received from an ApplicationAgent, it must close itself down.
// If the Message is sent from an ApplicationAgent, it is closing down itself.
type ShutdownMessage struct{}

// Recipients are not available for a ShutdownMessage.
func (sm ShutdownMessage) Recipients() []bpv7.Eid {
	return nil
}
