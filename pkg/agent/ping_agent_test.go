// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"testing"
	"time"
)

func TestPingAgent(t *testing.T) {
	ping := NewPing(mustParseEid(t, "dtn://foo/ping"))

	bndlOut := createBundle("dtn://bar/", "dtn://foo/ping", t)

	ping.receiver <- BundleMessage{bndlOut}

	select {
	case <-time.After(500 * time.Millisecond):
		t.Fatal("PingAgent did not answer after 500ms")

	case m := <-ping.sender:
		if _, ok := m.(BundleMessage); !ok {
			t.Fatalf("Incoming message is not a BundleMessage, it's a %T", m)
		}

		bndlIn := m.(BundleMessage).Bundle
		if bndlIn.Primary.Destination.String() != bndlOut.Primary.SourceNode.String() {
			t.Fatalf("Incoming Bundle's Destination %v is not outgoing Bundle's Source %v",
				bndlIn.Primary.Destination, bndlOut.Primary.SourceNode)
		}
	}

	ping.receiver <- ShutdownMessage{}
}
